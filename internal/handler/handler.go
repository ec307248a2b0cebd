// Package handler 提供快取的 HTTP API
package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/mini-redis/internal/cache"
	"github.com/koopa0/mini-redis/internal/notify"
	apperrors "github.com/koopa0/mini-redis/pkg/errors"
	"github.com/koopa0/mini-redis/pkg/logger"
)

// maxBodyBytes 單一請求 body 上限
const maxBodyBytes = 1 << 20

// Cache HTTP 層需要的快取操作
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, bool)
	Delete(key string)
	ListKeys() []string
	TTL(key string) (time.Duration, bool)
	Stats() cache.Stats
	Flush(ctx context.Context) error
}

// Handler HTTP 請求處理器
type Handler struct {
	cache  Cache
	hub    *notify.Hub
	logger *slog.Logger
}

// New 創建 HTTP 處理器，hub 可為 nil（停用事件推送）
func New(c Cache, hub *notify.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		cache:  c,
		hub:    hub,
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：請求 ID -> 恢復 -> 日誌 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.requestID(h.recoverer(h.loggerMiddleware(handler)))
	}

	// 快取 API（/cache/keys 與 /cache/stats 比 /cache/{key} 更具體，優先匹配）
	mux.HandleFunc("POST /cache", wrap(h.set))
	mux.HandleFunc("GET /cache/keys", wrap(h.keys))
	mux.HandleFunc("GET /cache/stats", wrap(h.stats))
	mux.HandleFunc("POST /cache/flush", wrap(h.flush))
	mux.HandleFunc("GET /cache/events", wrap(h.events))
	mux.HandleFunc("GET /cache/{key}", wrap(h.get))
	mux.HandleFunc("GET /cache/{key}/ttl", wrap(h.ttl))
	mux.HandleFunc("DELETE /cache/{key}", wrap(h.delete))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))

	return mux
}

// 請求和響應結構
type setRequest struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	TTL   int64           `json:"ttl,omitempty"` // 毫秒，0 = 永不過期
}

type cacheResponse struct {
	Success bool   `json:"success"`
	Key     string `json:"key,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type getResponse struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type keysResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

type ttlResponse struct {
	Key string `json:"key"`
	TTL int64  `json:"ttl"` // 毫秒，-1 = 永不過期
}

type statsResponse struct {
	cache.Stats
	HitRate float64 `json:"hitRate"`
}

// set 寫入快取
func (h *Handler) set(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req setRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Value) == 0 {
		h.respondError(w, "value required", http.StatusBadRequest)
		return
	}

	ttl, err := cache.TTLFromMillis(req.TTL)
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	if err := h.cache.Set(req.Key, req.Value, ttl); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	h.encode(w, cacheResponse{Success: true, Key: req.Key})
}

// get 讀取快取
func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	value, ok := h.cache.Get(key)
	if !ok {
		h.respondAppError(w, r, apperrors.ErrKeyNotFound.WithDetails("key="+key))
		return
	}

	h.respondJSON(w, getResponse{Key: key, Value: jsonValue(value)})
}

// delete 刪除快取，key 不存在也回傳成功
func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	h.cache.Delete(key)
	h.respondJSON(w, cacheResponse{Success: true, Key: key})
}

// keys 列出所有 key
func (h *Handler) keys(w http.ResponseWriter, r *http.Request) {
	keys := h.cache.ListKeys()
	h.respondJSON(w, keysResponse{Keys: keys, Count: len(keys)})
}

// stats 快取統計
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st := h.cache.Stats()
	h.respondJSON(w, statsResponse{Stats: st, HitRate: st.HitRate()})
}

// ttl 查詢剩餘存活時間
func (h *Handler) ttl(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	remaining, ok := h.cache.TTL(key)
	if !ok {
		h.respondAppError(w, r, apperrors.ErrKeyNotFound.WithDetails("key="+key))
		return
	}

	ms := int64(-1)
	if remaining != cache.NoExpiry {
		ms = remaining.Milliseconds()
	}
	h.respondJSON(w, ttlResponse{Key: key, TTL: ms})
}

// flush 同步保存快照
func (h *Handler) flush(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Flush(r.Context()); err != nil {
		h.respondAppError(w, r, err)
		return
	}
	h.respondJSON(w, cacheResponse{Success: true})
}

// events 升級為 WebSocket 事件串流
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.respondError(w, "event stream disabled", http.StatusServiceUnavailable)
		return
	}
	h.hub.ServeWS(w, r)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// jsonValue 合法 JSON 原樣回傳，否則當作字串（例如 CLI 寫入的純文字）
func jsonValue(value []byte) json.RawMessage {
	if json.Valid(value) {
		return value
	}
	quoted, _ := json.Marshal(string(value))
	return quoted
}

// 中間件

// requestID 為每個請求分配 ID，並放入 context 供日誌使用
func (h *Handler) requestID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	}
}

// loggerMiddleware 記錄請求日誌
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// 包裝 ResponseWriter 以捕獲狀態碼
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	h.encode(w, data)
}

func (h *Handler) encode(w http.ResponseWriter, data any) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, message string, code int) {
	h.writeError(w, cacheResponse{Success: false, Error: message}, code)
}

// respondAppError 依錯誤碼決定 HTTP 狀態
func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case apperrors.IsInvalidArgument(err):
		status = http.StatusBadRequest
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case apperrors.IsPersistenceFailure(err):
		status = http.StatusServiceUnavailable
	}

	resp := cacheResponse{Success: false, Error: err.Error(), Code: apperrors.ErrCodeInternal}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		resp.Code = appErr.Code
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "error", err)
	}
	h.writeError(w, resp, status)
}

func (h *Handler) writeError(w http.ResponseWriter, resp cacheResponse, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode error response", "error", err, "message", resp.Error)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

// Hijack WebSocket 升級需要
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Unwrap 供 http.ResponseController 使用
func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
