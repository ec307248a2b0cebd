package cache

import (
	"context"
	"time"
)

// sweepLoop 週期性清掃過期項目，直到 ctx 取消
func (s *Store) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired entries", "count", n)
			}
		}
	}
}

// schedulePersist 通知 worker 有新的變更，不會阻塞。
//
// dirty 只有一個槽位：worker 忙碌時多次通知會合併成一次，
// 下一次保存會拿到最新的快照。
func (s *Store) schedulePersist() {
	if s.dirty == nil {
		return
	}
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// persistLoop 單一消費者，負責所有背景保存
func (s *Store) persistLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirty:
			saveCtx, cancel := context.WithTimeout(ctx, s.saveTimeout)
			if err := s.save(saveCtx); err != nil {
				s.logger.Warn("background persist failed", "error", err)
			}
			cancel()
		}
	}
}

// save 在 saveMu 內取快照並保存。
//
// 取快照與 Save 都在 saveMu 內，因此先開始的保存不會覆蓋較新的快照。
func (s *Store) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	snap := s.snapshot()
	start := time.Now()
	if err := s.gateway.Save(ctx, snap); err != nil {
		s.persistFailures.Add(1)
		return err
	}
	s.persistSaves.Add(1)
	s.logger.Debug("snapshot saved", "keys", len(snap), "duration", time.Since(start))
	return nil
}
