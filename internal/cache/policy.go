package cache

import (
	"fmt"
	"strings"

	apperrors "github.com/koopa0/mini-redis/pkg/errors"
)

// EvictionPolicy 是淘汰策略的輔助索引。
//
// 策略只記錄 key，不持有 Entry。Store 在同一個臨界區內同時更新
// entries 與策略，因此策略追蹤的 key 集合必須與 entries 完全一致。
//
// 實作不需要自己加鎖，所有呼叫都發生在 Store 的鎖內。
type EvictionPolicy interface {
	// KeyAdded 記錄新插入的 key
	KeyAdded(key string)

	// KeyAccessed 更新 key 的順序或頻率；key 不存在時什麼都不做
	KeyAccessed(key string)

	// KeyRemoved 清除 key 的所有輔助狀態，可重複呼叫
	KeyRemoved(key string)

	// EvictKey 選出下一個要淘汰的 key 並從索引中移除。
	// 不碰 entries，實際刪除由 Store 負責。
	EvictKey() (string, bool)

	// Name 策略名稱（LRU / LFU）
	Name() string

	// trackedKeys 回傳目前追蹤的 key，供一致性檢查使用
	trackedKeys() []string
}

// PolicyType 淘汰策略類型
type PolicyType string

const (
	PolicyLRU PolicyType = "LRU"
	PolicyLFU PolicyType = "LFU"
)

// ParsePolicyType 解析策略名稱（不分大小寫）。
func ParsePolicyType(s string) (PolicyType, error) {
	switch PolicyType(strings.ToUpper(strings.TrimSpace(s))) {
	case PolicyLRU:
		return PolicyLRU, nil
	case PolicyLFU:
		return PolicyLFU, nil
	default:
		return "", apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("unknown eviction policy %q", s))
	}
}

// NewPolicy 建立對應的淘汰策略
func NewPolicy(t PolicyType) (EvictionPolicy, error) {
	switch t {
	case PolicyLRU:
		return NewLRU(), nil
	case PolicyLFU:
		return NewLFU(), nil
	default:
		return nil, apperrors.ErrInvalidArgument.WithDetails(fmt.Sprintf("unknown eviction policy %q", t))
	}
}
