package services

import (
	"context"
	"sync"
	"time"

	"entitlement-api/internal/database"
	"entitlement-api/pkg/logging"
)

const ackSweepBatchSize = 100

// AckSweeper retries acknowledgements that failed during verification.
// Google Play refunds purchases left unacknowledged for three days.
type AckSweeper struct {
	verifier  *PurchaseVerifier
	purchases *database.PurchaseStore
	interval  time.Duration
	batchSize int
	now       func() time.Time
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// NewAckSweeper creates a sweeper running every interval
func NewAckSweeper(verifier *PurchaseVerifier, purchases *database.PurchaseStore, interval time.Duration) *AckSweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &AckSweeper{
		verifier:  verifier,
		purchases: purchases,
		interval:  interval,
		batchSize: ackSweepBatchSize,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start runs the sweep loop in the background until Stop is called
func (s *AckSweeper) Start() {
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				s.Sweep(ctx)
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep to finish
func (s *AckSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.done != nil {
		<-s.done
	}
}

// Sweep acknowledges one batch of pending purchases and returns how many succeeded
func (s *AckSweeper) Sweep(ctx context.Context) int {
	pending, err := s.purchases.ListUnacknowledged(ctx, s.batchSize)
	if err != nil {
		logging.Errorf("Acknowledgement sweep failed to list purchases: %v", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	acknowledged := 0
	for _, purchase := range pending {
		if ctx.Err() != nil {
			break
		}

		req := VerificationRequest{
			Kind:          purchase.Kind,
			PackageName:   purchase.PackageName,
			ProductID:     purchase.ProductID,
			PurchaseToken: purchase.PurchaseToken,
		}
		if err := s.verifier.Acknowledge(ctx, req); err != nil {
			logging.Warnf("Acknowledgement retry failed - order: %s, attempts: %d, error: %v", purchase.OrderID, purchase.AckAttempts+1, err)
			if err := s.purchases.RecordAckAttempt(ctx, purchase.PurchaseToken, s.now().UTC()); err != nil {
				logging.Errorf("Failed to record acknowledgement attempt - order: %s, error: %v", purchase.OrderID, err)
			}
			continue
		}

		if err := s.purchases.UpdateByToken(ctx, purchase.PurchaseToken, map[string]interface{}{"acknowledged": true}); err != nil {
			logging.Errorf("Failed to mark purchase acknowledged - order: %s, error: %v", purchase.OrderID, err)
			continue
		}
		acknowledged++
	}

	logging.Infof("Acknowledgement sweep finished - pending: %d, acknowledged: %d", len(pending), acknowledged)
	return acknowledged
}
