package services

import (
	"sync"
	"time"

	"entitlement-api/pkg/logging"
)

// ReplayProtection 重放防护
// Remembers Pub/Sub message IDs so a redelivered push is acknowledged without
// being reconciled again. Reconciliation is idempotent anyway; this only saves
// the remote round trip.
type ReplayProtection struct {
	processedMessages map[string]time.Time
	mutex             sync.RWMutex
	cleanupInterval   time.Duration
	messageTTL        time.Duration
	stopCleanup       chan struct{}
	stopOnce          sync.Once
	now               func() time.Time
}

// NewReplayProtection 创建重放防护实例
func NewReplayProtection() *ReplayProtection {
	rp := &ReplayProtection{
		processedMessages: make(map[string]time.Time),
		cleanupInterval:   time.Hour,
		messageTTL:        24 * time.Hour,
		stopCleanup:       make(chan struct{}),
		now:               time.Now,
	}

	go rp.startCleanupRoutine()

	return rp
}

// Seen reports whether messageID was already processed within the TTL.
// An empty ID is never treated as a replay.
func (rp *ReplayProtection) Seen(messageID string) bool {
	if messageID == "" {
		return false
	}

	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	processedAt, exists := rp.processedMessages[messageID]
	return exists && rp.now().Sub(processedAt) <= rp.messageTTL
}

// MarkProcessed records messageID after it was reconciled successfully.
// Failed messages are not marked, so Pub/Sub redelivery retries them.
func (rp *ReplayProtection) MarkProcessed(messageID string) {
	if messageID == "" {
		return
	}

	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	rp.processedMessages[messageID] = rp.now()
}

func (rp *ReplayProtection) startCleanupRoutine() {
	ticker := time.NewTicker(rp.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.cleanup()
		case <-rp.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期记录
func (rp *ReplayProtection) cleanup() {
	rp.mutex.Lock()
	defer rp.mutex.Unlock()

	now := rp.now()
	initialCount := len(rp.processedMessages)

	for messageID, processedAt := range rp.processedMessages {
		if now.Sub(processedAt) > rp.messageTTL {
			delete(rp.processedMessages, messageID)
		}
	}

	if cleaned := initialCount - len(rp.processedMessages); cleaned > 0 {
		logging.Infof("Replay protection cleanup: removed %d expired messages, remaining: %d", cleaned, len(rp.processedMessages))
	}
}

// GetStats 获取统计信息
func (rp *ReplayProtection) GetStats() map[string]interface{} {
	rp.mutex.RLock()
	defer rp.mutex.RUnlock()

	return map[string]interface{}{
		"total_processed":  len(rp.processedMessages),
		"cleanup_interval": rp.cleanupInterval.String(),
		"message_ttl":      rp.messageTTL.String(),
	}
}

// Stop 停止清理协程
func (rp *ReplayProtection) Stop() {
	rp.stopOnce.Do(func() { close(rp.stopCleanup) })
}
