package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReplayProtection_SeenAfterMarked(t *testing.T) {
	rp := NewReplayProtection()
	defer rp.Stop()

	assert.False(t, rp.Seen("msg-1"))
	rp.MarkProcessed("msg-1")
	assert.True(t, rp.Seen("msg-1"))
	assert.False(t, rp.Seen("msg-2"))

	rp.MarkProcessed("")
	assert.False(t, rp.Seen(""))
	assert.Equal(t, 1, rp.GetStats()["total_processed"])
}

func TestReplayProtection_ExpiresAfterTTL(t *testing.T) {
	clock := newTestClock()
	rp := NewReplayProtection()
	defer rp.Stop()
	rp.now = clock.Now

	rp.MarkProcessed("msg-1")
	clock.Advance(24 * time.Hour)
	assert.True(t, rp.Seen("msg-1"))

	clock.Advance(time.Second)
	assert.False(t, rp.Seen("msg-1"))

	rp.MarkProcessed("msg-2")
	rp.cleanup()
	assert.Equal(t, 1, rp.GetStats()["total_processed"])
	assert.True(t, rp.Seen("msg-2"))
}
