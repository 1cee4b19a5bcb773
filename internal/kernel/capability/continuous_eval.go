package capability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// sessionState tracks a live token's consumption behavior so the
// evaluator can revoke it mid-flight if its usage pattern diverges from
// its baseline, independent of the token's own expiry.
type sessionState struct {
	tokenID       string
	subject       uint64
	baselineRate  float64 // charges per second observed in the first sweep window
	currentRate   float64
	lastCharges   int64
	lastSweepAt   time.Time
	registeredAt  time.Time
	anomalyCount  int
}

// EvalConfig configures the ContinuousEvaluator's sweep cadence and
// revocation thresholds.
type EvalConfig struct {
	SweepInterval     time.Duration
	DriftThreshold    float64 // relative change in charge rate that counts as drift
	InactivityTimeout time.Duration
	AnomalyThreshold  int
}

// ContinuousEvaluator periodically re-examines every registered
// session's quota-charge rate and revokes the underlying token through
// Verifier if the session has gone idle past InactivityTimeout or its
// charge rate has drifted past DriftThreshold from its own baseline.
// This lets the dispatcher catch a compromised or malfunctioning agent
// between syscalls rather than only at token expiry.
type ContinuousEvaluator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	verifier Verifier
	ledger   *Ledger
	config   EvalConfig
	stopCh   chan struct{}
	stopped  bool
}

// NewContinuousEvaluator constructs an evaluator bound to verifier (for
// revocation) and ledger (for reading charge counts).
func NewContinuousEvaluator(verifier Verifier, ledger *Ledger, cfg EvalConfig) *ContinuousEvaluator {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	if cfg.DriftThreshold == 0 {
		cfg.DriftThreshold = 0.20
	}
	if cfg.InactivityTimeout == 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	if cfg.AnomalyThreshold == 0 {
		cfg.AnomalyThreshold = 5
	}
	return &ContinuousEvaluator{
		sessions: make(map[string]*sessionState),
		verifier: verifier,
		ledger:   ledger,
		config:   cfg,
		stopCh:   make(chan struct{}),
	}
}

// RegisterSession begins tracking tokenID for continuous evaluation.
func (ce *ContinuousEvaluator) RegisterSession(tokenID string, subject uint64) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	ce.sessions[tokenID] = &sessionState{
		tokenID:      tokenID,
		subject:      subject,
		registeredAt: time.Now(),
		lastSweepAt:  time.Now(),
	}
}

// RecordAnomaly notes a dispatcher-observed anomaly (e.g. a syscall
// rejected for KindCapabilityDenied) against an active session.
func (ce *ContinuousEvaluator) RecordAnomaly(tokenID string) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if s, ok := ce.sessions[tokenID]; ok {
		s.anomalyCount++
	}
}

// Start launches the background sweep goroutine.
func (ce *ContinuousEvaluator) Start() {
	go func() {
		ticker := time.NewTicker(ce.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ce.sweep()
			case <-ce.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background sweep goroutine.
func (ce *ContinuousEvaluator) Stop() {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	if !ce.stopped {
		close(ce.stopCh)
		ce.stopped = true
	}
}

func (ce *ContinuousEvaluator) sweep() {
	ce.mu.Lock()
	sessions := make([]*sessionState, 0, len(ce.sessions))
	for _, s := range ce.sessions {
		sessions = append(sessions, s)
	}
	ce.mu.Unlock()

	now := time.Now()
	for _, s := range sessions {
		reason := ""

		if now.Sub(s.lastSweepAt) > ce.config.InactivityTimeout {
			reason = "inactivity timeout"
		}

		if reason == "" && ce.ledger != nil {
			u := ce.ledger.Snapshot(s.tokenID)
			if u != nil {
				elapsed := now.Sub(s.lastSweepAt).Seconds()
				totalCharges := u.IPCMessages + u.AsyncOps
				if elapsed > 0 {
					rate := float64(totalCharges-s.lastCharges) / elapsed
					ce.mu.Lock()
					if s.baselineRate == 0 {
						s.baselineRate = rate
					}
					s.currentRate = rate
					s.lastCharges = totalCharges
					s.lastSweepAt = now
					ce.mu.Unlock()

					if s.baselineRate > 0 {
						drift := (rate - s.baselineRate) / s.baselineRate
						if drift < 0 {
							drift = -drift
						}
						if drift > ce.config.DriftThreshold {
							reason = fmt.Sprintf("charge-rate drift %.1f%% exceeds threshold %.1f%%", drift*100, ce.config.DriftThreshold*100)
						}
					}
				}
			}
		}

		if reason == "" && s.anomalyCount >= ce.config.AnomalyThreshold {
			reason = fmt.Sprintf("anomaly count %d exceeds threshold %d", s.anomalyCount, ce.config.AnomalyThreshold)
		}

		if reason != "" {
			slog.Info("capability: revoking token mid-session", "token_id", s.tokenID, "subject", s.subject, "reason", reason)
			_ = ce.verifier.Revoke(s.tokenID)
			if ce.ledger != nil {
				ce.ledger.Release(s.tokenID)
			}
			ce.mu.Lock()
			delete(ce.sessions, s.tokenID)
			ce.mu.Unlock()
		}
	}
}

// SessionCount returns the number of sessions under active evaluation.
func (ce *ContinuousEvaluator) SessionCount() int {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return len(ce.sessions)
}
