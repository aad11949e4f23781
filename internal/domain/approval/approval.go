// Package approval manages human-in-the-loop resolution of tool calls.
// A rule with an approve action parks the call here; clients poll until a
// responder approves or denies, and approval strategies decide whether an
// earlier record answers for later calls.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

const (
	// DefaultMaxAge is how long records are kept before eviction.
	DefaultMaxAge = 1 * time.Hour
	// DefaultMaxRecords bounds the store; at capacity the oldest record
	// is denied and dropped.
	DefaultMaxRecords = 1000
	// notifyTimeout bounds one notifier invocation.
	notifyTimeout = 10 * time.Second
)

// Statuses of an approval record.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusDenied   = "denied"
)

// ErrNotFound is returned for an unknown approval id.
var ErrNotFound = errors.New("approval not found")

// AlreadyResolvedError is returned when Respond hits a record that
// already has a terminal status.
type AlreadyResolvedError struct {
	ID     string
	Status string
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s is already %s", e.ID, e.Status)
}

// PendingApproval is one parked tool call awaiting a responder.
type PendingApproval struct {
	ID        string
	RuleID    string
	ToolName  string
	Args      map[string]any
	SessionID string
	Strategy  rule.ApprovalStrategy
	Status    string
	Responder string
	CreatedAt time.Time
}

// Notifier is told about newly created approvals. Implementations must
// tolerate concurrent calls; failures are logged and never surface to the
// decision path.
type Notifier interface {
	Notify(ctx context.Context, p *PendingApproval) error
}

// Manager owns the approval table. A single mutex guards every operation;
// all of them are O(1) except ListPending.
type Manager struct {
	mu      sync.Mutex
	records map[string]*PendingApproval
	order   []string          // creation order, for listing and eviction
	byKey   map[string]string // strategy dedup key -> approval id

	maxAge     time.Duration
	maxRecords int
	notifier   Notifier
	logger     *slog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxAge sets how long records survive before eviction.
func WithMaxAge(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxAge = d
		}
	}
}

// WithMaxRecords bounds the table size.
func WithMaxRecords(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRecords = n
		}
	}
}

// WithNotifier sets the notifier invoked on record creation.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an approval manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		records:    make(map[string]*PendingApproval),
		byKey:      make(map[string]string),
		maxAge:     DefaultMaxAge,
		maxRecords: DefaultMaxRecords,
		logger:     slog.Default(),
		stopChan:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// dedupKey maps a strategy to the key an earlier record answers under.
// Empty means the strategy never de-duplicates.
func dedupKey(strategy rule.ApprovalStrategy, ruleID, tool, sessionID string) string {
	switch strategy {
	case rule.StrategyPerSession:
		return "session\x00" + ruleID + "\x00" + sessionID
	case rule.StrategyPerRule:
		return "rule\x00" + ruleID
	case rule.StrategyPerTool:
		return "tool\x00" + tool
	default:
		return ""
	}
}

// Create returns the approval record answering for this call, creating
// one when the strategy finds no earlier record. The second return
// reports whether a new record was created (and the notifier invoked).
func (m *Manager) Create(ruleID, tool string, args map[string]any, sessionID string, strategy rule.ApprovalStrategy) (PendingApproval, bool) {
	m.mu.Lock()

	key := dedupKey(strategy, ruleID, tool, sessionID)
	if key != "" {
		if id, ok := m.byKey[key]; ok {
			if p, live := m.records[id]; live {
				out := *p
				m.mu.Unlock()
				return out, false
			}
			delete(m.byKey, key)
		}
	}

	if len(m.order) >= m.maxRecords {
		m.evictOldestLocked()
	}

	p := &PendingApproval{
		ID:        uuid.New().String(),
		RuleID:    ruleID,
		ToolName:  tool,
		Args:      args,
		SessionID: sessionID,
		Strategy:  strategy,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	m.records[p.ID] = p
	m.order = append(m.order, p.ID)
	if key != "" {
		m.byKey[key] = p.ID
	}
	out := *p
	m.mu.Unlock()

	m.logger.Info("approval created",
		"approval_id", out.ID,
		"rule_id", ruleID,
		"tool", tool,
		"session_id", sessionID,
		"strategy", string(strategy),
	)
	m.notify(out)
	return out, true
}

// notify invokes the notifier on its own goroutine so a slow or failing
// notifier never delays the decision.
func (m *Manager) notify(p PendingApproval) {
	if m.notifier == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := m.notifier.Notify(ctx, &p); err != nil {
			m.logger.Warn("approval notification failed",
				"approval_id", p.ID,
				"error", err,
			)
		}
	}()
}

// evictOldestLocked denies and drops the oldest record. Callers hold m.mu.
func (m *Manager) evictOldestLocked() {
	if len(m.order) == 0 {
		return
	}
	oldID := m.order[0]
	m.order = m.order[1:]
	if old, ok := m.records[oldID]; ok {
		old.Status = StatusDenied
		old.Responder = "system:evicted"
		m.dropLocked(old)
	}
}

// dropLocked removes a record from the table and its dedup index.
func (m *Manager) dropLocked(p *PendingApproval) {
	delete(m.records, p.ID)
	if key := dedupKey(p.Strategy, p.RuleID, p.ToolName, p.SessionID); key != "" {
		if m.byKey[key] == p.ID {
			delete(m.byKey, key)
		}
	}
}

// Respond resolves a pending approval. The first call sets the terminal
// status; later calls get AlreadyResolvedError, unknown ids ErrNotFound.
func (m *Manager) Respond(id string, approved bool, responder string) error {
	m.mu.Lock()

	p, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if p.Status != StatusPending {
		err := &AlreadyResolvedError{ID: id, Status: p.Status}
		m.mu.Unlock()
		return err
	}

	if approved {
		p.Status = StatusApproved
	} else {
		p.Status = StatusDenied
	}
	p.Responder = responder
	status := p.Status
	m.mu.Unlock()

	m.logger.Info("approval resolved",
		"approval_id", id,
		"status", status,
		"responder", responder,
	)
	return nil
}

// Poll returns the current state of one approval.
func (m *Manager) Poll(id string) (PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.records[id]
	if !ok {
		return PendingApproval{}, ErrNotFound
	}
	return *p, nil
}

// ListPending returns unresolved approvals in creation order.
func (m *Manager) ListPending() []PendingApproval {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingApproval
	for _, id := range m.order {
		if p, ok := m.records[id]; ok && p.Status == StatusPending {
			out = append(out, *p)
		}
	}
	return out
}

// PendingCount returns the number of unresolved approvals.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.records {
		if p.Status == StatusPending {
			n++
		}
	}
	return n
}

// StartCleanup starts the background eviction goroutine, which drops
// records older than the max age. Call Stop() to stop it gracefully.
func (m *Manager) StartCleanup(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.maxAge / 4)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopChan:
				return
			case <-ticker.C:
				m.cleanup()
			}
		}
	}()
}

// cleanup drops records created before the max-age cutoff.
func (m *Manager) cleanup() {
	cutoff := time.Now().UTC().Add(-m.maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	cleaned := 0
	for _, id := range m.order {
		p, ok := m.records[id]
		if !ok {
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			m.dropLocked(p)
			cleaned++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept

	if cleaned > 0 {
		m.logger.Debug("evicted stale approvals", "count", cleaned)
	}
}

// Stop stops the cleanup goroutine and waits for in-flight notifications.
// Safe to call multiple times.
func (m *Manager) Stop() {
	m.once.Do(func() {
		close(m.stopChan)
	})
	m.wg.Wait()
}
