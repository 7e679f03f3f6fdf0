package risk

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default escalation settings.
const (
	DefaultEscalationWindow = time.Hour
	DefaultTriggerCount     = 3
)

// History answers windowed questions about a user's past uploads.
type History interface {
	// CountCriticalUploadsSince counts the user's Critical uploads at or after since.
	CountCriticalUploadsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Decision is the result of an escalation check.
type Decision int

const (
	// DecisionAllow keeps the account unlocked.
	DecisionAllow Decision = iota
	// DecisionLock moves the account to the locked state.
	DecisionLock
)

func (d Decision) String() string {
	if d == DecisionLock {
		return "lock"
	}

	return "allow"
}

// EscalationConfig configures the escalation policy.
type EscalationConfig struct {
	// Window is the trailing period over which Critical uploads are counted.
	Window time.Duration
	// TriggerCount is the Critical upload, counting the current one, that locks the account.
	TriggerCount int
}

// DefaultEscalationConfig returns the default policy settings.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Window:       DefaultEscalationWindow,
		TriggerCount: DefaultTriggerCount,
	}
}

// Policy decides when repeated Critical uploads lock an account.
type Policy struct {
	history History
	locks   *keyedMutex
	config  EscalationConfig
}

// NewPolicy creates an escalation policy reading from history.
func NewPolicy(history History, config EscalationConfig) *Policy {
	if config.Window <= 0 {
		config.Window = DefaultEscalationWindow
	}

	if config.TriggerCount <= 0 {
		config.TriggerCount = DefaultTriggerCount
	}

	return &Policy{
		history: history,
		config:  config,
		locks:   newKeyedMutex(),
	}
}

// Config returns the policy settings.
func (p *Policy) Config() EscalationConfig {
	return p.config
}

// Lock serializes escalation for one user. The caller must hold it from the
// history read until the new upload is recorded, and release it with the
// returned func.
func (p *Policy) Lock(userID string) func() {
	return p.locks.lock(userID)
}

// Evaluate decides whether an upload at level locks the account. Only a
// Critical upload that follows TriggerCount-1 Critical uploads inside the
// window locks.
func (p *Policy) Evaluate(ctx context.Context, userID string, level Level) (Decision, error) {
	return p.EvaluateAt(ctx, userID, level, time.Now())
}

// EvaluateAt is Evaluate for an upload made at the given instant. Callers that
// stamp records with their own clock pass it here so the window agrees.
func (p *Policy) EvaluateAt(ctx context.Context, userID string, level Level, at time.Time) (Decision, error) {
	if level != LevelCritical {
		return DecisionAllow, nil
	}

	since := at.Add(-p.config.Window)

	prior, err := p.history.CountCriticalUploadsSince(ctx, userID, since)
	if err != nil {
		return DecisionAllow, fmt.Errorf("count critical uploads: %w", err)
	}

	if prior >= p.config.TriggerCount-1 {
		return DecisionLock, nil
	}

	return DecisionAllow, nil
}

// keyedMutex hands out one mutex per key and frees it when unused.
type keyedMutex struct {
	entries map[string]*keyedEntry
	mu      sync.Mutex
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()

	e, ok := k.entries[key]
	if !ok {
		e = &keyedEntry{}
		k.entries[key] = e
	}

	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--

		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.entries)
}
