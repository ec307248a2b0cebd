package cache

import (
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/koopa0/mini-redis/pkg/errors"
)

// NoExpiry 表示項目沒有設定 TTL，永不過期。
const NoExpiry time.Duration = -1

// MaxTTLMillis 以毫秒指定 TTL 時的上限，超過會讓 time.Duration 溢位
const MaxTTLMillis = math.MaxInt64 / int64(time.Millisecond)

// TTLFromMillis 將毫秒轉成 TTL，負數或超過 MaxTTLMillis 回傳 INVALID_ARGUMENT。
func TTLFromMillis(ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("ttl must be >= 0, got %dms", ms))
	}
	if ms > MaxTTLMillis {
		return 0, apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("ttl %dms exceeds maximum %dms", ms, MaxTTLMillis))
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ExpiryMode 決定 Store 使用哪一種過期判斷。
//
// 兩種模式：
//
//	absolute: 從建立時間起算，存取不會延長壽命
//	sliding:  從最後一次存取起算，每次命中都會延長壽命
//
// 沒有預設值，部署時必須明確選擇。
type ExpiryMode string

const (
	ExpiryAbsolute ExpiryMode = "absolute"
	ExpirySliding  ExpiryMode = "sliding"
)

// ParseExpiryMode 解析過期模式（不分大小寫）。
func ParseExpiryMode(s string) (ExpiryMode, error) {
	switch ExpiryMode(strings.ToLower(strings.TrimSpace(s))) {
	case ExpiryAbsolute:
		return ExpiryAbsolute, nil
	case ExpirySliding:
		return ExpirySliding, nil
	case "":
		return "", apperrors.ErrInvalidArgument.WithDetails("expiry mode is required (absolute|sliding)")
	default:
		return "", apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("unknown expiry mode %q", s))
	}
}

// Entry 是快取中的一筆資料。
//
// value 建立後不再修改；覆寫同一個 key 時整筆 Entry 會被替換。
// 只有 lastAccessAt 會在命中時更新。
type Entry struct {
	value        []byte
	createdAt    time.Time
	ttl          time.Duration // 0 = 永不過期
	lastAccessAt time.Time
}

func newEntry(value []byte, ttl time.Duration, now time.Time) *Entry {
	return &Entry{
		value:        value,
		createdAt:    now,
		ttl:          ttl,
		lastAccessAt: now,
	}
}

// IsExpired 絕對過期：now - createdAt >= ttl
func (e *Entry) IsExpired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// IsExpiredSliding 滑動過期：now - lastAccessAt >= ttl
func (e *Entry) IsExpiredSliding(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.lastAccessAt) >= e.ttl
}

func (e *Entry) expired(mode ExpiryMode, now time.Time) bool {
	if mode == ExpirySliding {
		return e.IsExpiredSliding(now)
	}
	return e.IsExpired(now)
}

func (e *Entry) touch(now time.Time) {
	e.lastAccessAt = now
}

// Remaining 回傳在指定模式下距離過期還剩多少時間。
// 沒有 TTL 時回傳 NoExpiry；已過期時回傳 0。
func (e *Entry) Remaining(mode ExpiryMode, now time.Time) time.Duration {
	if e.ttl == 0 {
		return NoExpiry
	}
	start := e.createdAt
	if mode == ExpirySliding {
		start = e.lastAccessAt
	}
	left := e.ttl - now.Sub(start)
	if left < 0 {
		return 0
	}
	return left
}
