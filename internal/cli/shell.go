// Package cli 提供互動式命令列介面
//
// 支援的命令（不分大小寫）：
//
//	SET key value [PX ttl_ms]
//	GET key
//	DELETE key
//	TTL key
//	KEYS
//	STATS
//	FLUSH
//	MULTI        並發寫入/讀取示範
//	HELP
//	EXIT
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/koopa0/mini-redis/internal/cache"
)

// Cache CLI 需要的快取操作
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, bool)
	Delete(key string)
	ListKeys() []string
	TTL(key string) (time.Duration, bool)
	Stats() cache.Stats
	Flush(ctx context.Context) error
}

const helpText = `Commands:
  SET key value [PX ttl_ms]   store a value (value may contain spaces)
  GET key                     read a value
  DELETE key                  remove a key
  TTL key                     remaining time to live
  KEYS                        list live keys
  STATS                       cache statistics
  FLUSH                       save a snapshot now
  MULTI                       run a concurrent writer/reader demo
  HELP                        show this help
  EXIT                        quit`

// Shell 互動式命令處理器
type Shell struct {
	cache      Cache
	out        io.Writer
	outMu      sync.Mutex // MULTI 的多個 goroutine 共用 out
	logger     *slog.Logger
	defaultTTL time.Duration
	pauseMin   time.Duration
	pauseMax   time.Duration
}

// Option Shell 的可選設定
type Option func(*Shell)

// WithDefaultTTL 沒有指定 PX 時使用的 TTL
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Shell) { s.defaultTTL = ttl }
}

// WithMultiPause MULTI 示範中每次操作之間的隨機停頓範圍
func WithMultiPause(lo, hi time.Duration) Option {
	return func(s *Shell) {
		s.pauseMin = lo
		s.pauseMax = hi
	}
}

// NewShell 建立 Shell
func NewShell(c Cache, out io.Writer, logger *slog.Logger, opts ...Option) *Shell {
	s := &Shell{
		cache:    c,
		out:      out,
		logger:   logger,
		pauseMin: 100 * time.Millisecond,
		pauseMax: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 逐行讀取並執行命令，直到 EXIT、EOF 或 ctx 取消
func (s *Shell) Run(ctx context.Context, in io.Reader) error {
	s.println("=== mini-redis CLI ===")
	s.println("Type HELP for a list of commands.")

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		s.print("> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
					return nil
				}
			}
			if quit := s.Exec(ctx, line); quit {
				return nil
			}
		}
	}
}

// Exec 執行單一命令，回傳 true 表示應該結束
func (s *Shell) Exec(ctx context.Context, line string) bool {
	name, rest := cutField(line)
	if name == "" {
		return false
	}
	args := strings.Fields(rest)

	switch strings.ToUpper(name) {
	case "SET":
		s.set(rest)
	case "GET":
		s.get(args)
	case "DELETE", "DEL":
		s.delete(args)
	case "TTL":
		s.ttl(args)
	case "KEYS":
		s.keys()
	case "STATS":
		s.stats()
	case "FLUSH":
		s.flush(ctx)
	case "MULTI":
		s.multi()
	case "HELP":
		s.println(helpText)
	case "EXIT", "QUIT":
		s.println("bye")
		return true
	default:
		s.printf("ERR unknown command %q, type HELP\n", name)
	}
	return false
}

// set 的 value 取自原始輸入，保留其中的空白與 tab
func (s *Shell) set(rest string) {
	key, value := cutField(strings.TrimRightFunc(rest, unicode.IsSpace))
	if key == "" || value == "" {
		s.println("Usage: SET key value [PX ttl_ms]")
		return
	}

	ttl := s.defaultTTL

	// 結尾的 PX <ms> 是 TTL
	head, msText := lastField(value)
	if prefix, px := lastField(head); prefix != "" && strings.EqualFold(px, "PX") {
		ms, err := strconv.ParseInt(msText, 10, 64)
		if err != nil {
			s.printf("ERR invalid ttl %q\n", msText)
			return
		}
		if ttl, err = cache.TTLFromMillis(ms); err != nil {
			s.printf("ERR %v\n", err)
			return
		}
		value = prefix
	}

	if err := s.cache.Set(key, []byte(value), ttl); err != nil {
		s.printf("ERR %v\n", err)
		return
	}
	s.println("OK")
}

func (s *Shell) get(args []string) {
	if len(args) != 1 {
		s.println("Usage: GET key")
		return
	}
	value, ok := s.cache.Get(args[0])
	if !ok {
		s.println("(nil)")
		return
	}
	s.printf("%q\n", value)
}

func (s *Shell) delete(args []string) {
	if len(args) != 1 {
		s.println("Usage: DELETE key")
		return
	}
	s.cache.Delete(args[0])
	s.println("OK")
}

func (s *Shell) ttl(args []string) {
	if len(args) != 1 {
		s.println("Usage: TTL key")
		return
	}
	remaining, ok := s.cache.TTL(args[0])
	switch {
	case !ok:
		s.println("(nil)")
	case remaining == cache.NoExpiry:
		s.println("no expiry")
	default:
		s.printf("%d ms remaining\n", remaining.Milliseconds())
	}
}

func (s *Shell) keys() {
	keys := s.cache.ListKeys()
	if len(keys) == 0 {
		s.println("(empty)")
		return
	}
	for i, k := range keys {
		s.printf("%d) %s\n", i+1, k)
	}
}

func (s *Shell) stats() {
	st := s.cache.Stats()
	s.printf("policy:      %s\n", st.PolicyName)
	s.printf("expiry:      %s\n", st.ExpiryMode)
	s.printf("size:        %d/%d\n", st.CurrentSize, st.MaxCapacity)
	s.printf("hits:        %d\n", st.Hits)
	s.printf("misses:      %d\n", st.Misses)
	s.printf("hit rate:    %.2f%%\n", st.HitRate()*100)
	s.printf("evictions:   %d\n", st.Evictions)
	s.printf("expirations: %d\n", st.Expirations)
	s.printf("saves:       %d (failed %d)\n", st.PersistSaves, st.PersistFailures)
}

func (s *Shell) flush(ctx context.Context) {
	if err := s.cache.Flush(ctx); err != nil {
		s.logger.Warn("flush failed", "error", err)
		s.printf("ERR %v\n", err)
		return
	}
	s.println("OK")
}

// multi 兩個 writer 與兩個 reader 同時操作快取
func (s *Shell) multi() {
	s.println("=== running concurrent demo ===")

	var wg sync.WaitGroup
	for i := range 2 {
		wg.Add(2)
		go func(name string) {
			defer wg.Done()
			s.writer(name)
		}(fmt.Sprintf("writer-%d", i+1))
		go func(name string) {
			defer wg.Done()
			s.reader(name)
		}(fmt.Sprintf("reader-%d", i+1))
	}
	wg.Wait()

	s.println("=== concurrent demo completed ===")
	s.printf("keys: %v\n", s.cache.ListKeys())
}

func (s *Shell) writer(name string) {
	for _, k := range []string{"A", "B", "C", "D"} {
		if err := s.cache.Set(k, []byte(k+"-value"), s.defaultTTL); err != nil {
			s.printf("%s SET %s failed: %v\n", name, k, err)
			continue
		}
		s.printf("%s SET %s\n", name, k)
		s.pause()
	}
}

func (s *Shell) reader(name string) {
	for _, k := range []string{"A", "B", "C", "D", "E"} {
		if v, ok := s.cache.Get(k); ok {
			s.printf("%s GET %s = %s\n", name, k, v)
		} else {
			s.printf("%s GET %s = (nil)\n", name, k)
		}
		s.pause()
	}
}

func (s *Shell) pause() {
	if s.pauseMax <= 0 {
		return
	}
	d := s.pauseMin
	if span := s.pauseMax - s.pauseMin; span > 0 {
		d += rand.N(span)
	}
	time.Sleep(d)
}

// cutField 切出第一個欄位，rest 去除開頭空白
func cutField(line string) (field, rest string) {
	line = strings.TrimLeftFunc(line, unicode.IsSpace)
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
}

// lastField 切出最後一個欄位，head 去除結尾空白
func lastField(s string) (head, field string) {
	s = strings.TrimRightFunc(s, unicode.IsSpace)
	i := strings.LastIndexFunc(s, unicode.IsSpace)
	return strings.TrimRightFunc(s[:i+1], unicode.IsSpace), s[i+1:]
}

func (s *Shell) print(a string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprint(s.out, a)
}

func (s *Shell) println(a string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintln(s.out, a)
}

func (s *Shell) printf(format string, a ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format, a...)
}
