// Package override holds time-bounded emergency bypass records and the
// audit trail of administrative actions. The limiter is the sole reader
// and enforcer of these records.
package override

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisinfra "github.com/openlimit/api/internal/infra/redis"
	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/pkg/logger"
)

// Target is the dimension an override applies to.
type Target string

const (
	TargetGlobal Target = "global"
	TargetTenant Target = "tenant"
	TargetUser   Target = "user"
)

// ParseTarget validates a target string.
func ParseTarget(s string) (Target, error) {
	switch Target(s) {
	case TargetGlobal, TargetTenant, TargetUser:
		return Target(s), nil
	default:
		return "", fmt.Errorf("unknown override target %q", s)
	}
}

// Actions recorded in the audit trail.
const (
	ActionBypass     = "BYPASS"
	ActionBypassUsed = "BYPASS_USED"
	ActionReset      = "RESET"
)

// Record is one administrative override. Records expire via TTL in the
// backing store and become inert automatically.
type Record struct {
	Target    Target    `json:"target"`
	TargetID  string    `json:"target_id"`
	Action    string    `json:"action"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedBy string    `json:"created_by"`
	Reason    string    `json:"reason"`
}

// AuditEntry is one line of the administrative audit trail.
type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    Target    `json:"target"`
	TargetID  string    `json:"target_id"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
}

// Backend is the slice of the redis client the store needs. Narrow so
// tests can substitute a fake.
type Backend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	MGet(ctx context.Context, keys ...string) ([]string, error)
	PushCapped(ctx context.Context, key, value string, max int64) error
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
}

var _ Backend = (*redisinfra.Client)(nil)

// Store persists override records and audit entries. Audit writes are
// synchronous: durability of the trail takes priority over a few
// milliseconds on this rare administrative path.
type Store struct {
	backend     Backend
	counters    limiter.Counter
	environment string
	maxAudit    int64
	log         *logger.Logger
}

// NewStore creates an override store.
func NewStore(backend Backend, counters limiter.Counter, environment string, maxAudit int, log *logger.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if counters == nil {
		return nil, errors.New("counter store is required")
	}
	if environment == "" {
		return nil, errors.New("environment is required")
	}
	if maxAudit <= 0 {
		maxAudit = 1000
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	return &Store{
		backend:     backend,
		counters:    counters,
		environment: environment,
		maxAudit:    int64(maxAudit),
		log:         log,
	}, nil
}

// CreateBypass installs a time-bounded bypass for a target. Concurrent
// writes to the same target are last-writer-wins; each write leaves its
// own audit entry.
func (s *Store) CreateBypass(ctx context.Context, target Target, targetID string, ttl time.Duration, actor, reason string) (*Record, error) {
	if target != TargetGlobal && targetID == "" {
		return nil, errors.New("target id is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}

	rec := &Record{
		Target:    target,
		TargetID:  targetID,
		Action:    ActionBypass,
		ExpiresAt: time.Now().Add(ttl).UTC(),
		CreatedBy: actor,
		Reason:    reason,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal override record: %w", err)
	}

	if err := s.backend.Set(ctx, s.bypassKey(target, targetID), string(payload), ttl); err != nil {
		return nil, fmt.Errorf("store override record: %w", err)
	}

	if err := s.writeAudit(ctx, AuditEntry{
		Actor:    actor,
		Action:   ActionBypass,
		Target:   target,
		TargetID: targetID,
		Outcome:  "created",
	}); err != nil {
		return nil, err
	}

	s.log.Warn("emergency bypass created",
		"target", target,
		"target_id", targetID,
		"expires_at", rec.ExpiresAt,
		"actor", actor,
	)
	return rec, nil
}

// IsBypassed reports the active bypass covering the tenant or user, if
// any, checking global, tenant and user records in one round trip. It
// does not write an audit entry; callers audit via RecordBypassUse only
// when the bypass actually changes the enforcement outcome.
func (s *Store) IsBypassed(ctx context.Context, tenantID, userID string) (*Record, error) {
	keys := []string{s.bypassKey(TargetGlobal, "")}
	if tenantID != "" {
		keys = append(keys, s.bypassKey(TargetTenant, tenantID))
	}
	if userID != "" {
		keys = append(keys, s.bypassKey(TargetUser, userID))
	}

	vals, err := s.backend.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("override lookup: %w", err)
	}
	for _, val := range vals {
		if val == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			// A corrupt record must not grant a bypass.
			s.log.Error("corrupt override record ignored", "error", err)
			continue
		}
		return &rec, nil
	}
	return nil, nil
}

// RecordBypassUse writes the audit entry for a request admitted through
// a bypass, synchronously before the response is returned.
func (s *Store) RecordBypassUse(ctx context.Context, rec *Record, requestID string) error {
	return s.writeAudit(ctx, AuditEntry{
		Actor:    requestID,
		Action:   ActionBypassUsed,
		Target:   rec.Target,
		TargetID: rec.TargetID,
		Outcome:  "bypassed",
	})
}

// Reset zeroes the counters for an identifier immediately and audits the
// action. Used to lift an accidental lockout. Every window length the
// scope's policies use must be passed in: bucket indices depend on the
// window, and a reset that misses the charging window clears nothing.
func (s *Store) Reset(ctx context.Context, scope limiter.Scope, identifier string, windows []time.Duration, actor string) error {
	if identifier == "" {
		return errors.New("identifier is required")
	}
	if len(windows) == 0 {
		return errors.New("at least one window is required")
	}
	for _, window := range windows {
		if err := s.counters.Reset(ctx, s.environment, scope, identifier, window); err != nil {
			return err
		}
	}
	return s.writeAudit(ctx, AuditEntry{
		Actor:    actor,
		Action:   ActionReset,
		Target:   Target(scope),
		TargetID: identifier,
		Outcome:  "reset",
	})
}

// Audit returns the most recent audit entries for a target, newest
// first.
func (s *Store) Audit(ctx context.Context, targetID string, limit int) ([]AuditEntry, error) {
	if targetID == "" {
		return nil, errors.New("target id is required")
	}
	if limit <= 0 || int64(limit) > s.maxAudit {
		limit = 100
	}

	raw, err := s.backend.ListRange(ctx, s.auditKey(targetID), 0, int64(limit)-1)
	if err != nil {
		return nil, fmt.Errorf("audit read: %w", err)
	}

	entries := make([]AuditEntry, 0, len(raw))
	for _, line := range raw {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.log.Error("corrupt audit entry skipped", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) writeAudit(ctx context.Context, entry AuditEntry) error {
	entry.ID = uuid.New().String()
	entry.Timestamp = time.Now().UTC()

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	targetID := entry.TargetID
	if targetID == "" {
		targetID = "global"
	}
	if err := s.backend.PushCapped(ctx, s.auditKey(targetID), string(payload), s.maxAudit); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}

	redisinfra.DefaultMetrics.RecordAuditEntry()
	return nil
}

func (s *Store) bypassKey(target Target, targetID string) string {
	if target == TargetGlobal {
		return fmt.Sprintf("%s:ratelimit:override:global", s.environment)
	}
	return fmt.Sprintf("%s:ratelimit:override:%s:%s", s.environment, target, targetID)
}

func (s *Store) auditKey(targetID string) string {
	return fmt.Sprintf("%s:ratelimit:audit:%s", s.environment, targetID)
}
