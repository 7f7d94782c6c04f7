package services

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWebhookNotifier_DisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewWebhookNotifier("", "secret"))
}

func TestWebhookNotifier_SignsPayload(t *testing.T) {
	var (
		mu        sync.Mutex
		body      []byte
		signature string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get("X-Entitlement-Signature")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "shared-secret")
	notifier.NotifyEntitlementChange(EntitlementChange{
		UserID:     "user-1",
		FromState:  StateFree,
		ToState:    StateProActive,
		Active:     true,
		Source:     SourcePurchase,
		OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)
	assert.Equal(t, SignWebhookPayload(body, "shared-secret"), signature)

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "entitlement.changed", payload.Event)
	assert.Equal(t, StateProActive, payload.ToState)
	assert.Equal(t, "2026-03-02T09:00:00Z", payload.Timestamp)
}

func TestWebhookNotifier_RetriesUntilAccepted(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewWebhookNotifier(server.URL, "")
	notifier.retryDelays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	notifier.NotifyEntitlementChange(EntitlementChange{UserID: "user-1", ToState: StateProExpired})

	assert.Equal(t, int32(3), attempts.Load())
}
