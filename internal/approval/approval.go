// Package approval implements the confirmation bookkeeping the Policy
// Gate needs for AllowWithConfirmation intents (spec §4.8, supplemented
// feature): a pending request expires on its own, and once approved it
// can be consumed exactly once, bound to the exact command it was
// approved for.
package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sentryctl/sentryctl/internal/policy"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request represents a tactic awaiting a human confirmation before its
// FinalCommand may be built.
type Request struct {
	ID          string
	ExecutionID string
	Tactic      policy.Tactic
	Target      string
	Reason      string
	Status      Status
	RequestedAt time.Time
	ExpiresAt   time.Time
	DecidedAt   *time.Time
	DecidedBy   string
	DenyReason  string
	// CommandHash binds the approval to the exact target+tactic it was
	// granted for; Consume rejects a hash mismatch as a possible replay.
	CommandHash string
	Consumed    bool
}

// CommandHash computes the replay-protection hash for a tactic+target
// pair. The Command Builder is never involved: the hash is bound at the
// Policy Gate, before a FinalCommand exists, so it covers the Intent the
// human actually saw.
func CommandHash(tactic policy.Tactic, target string) string {
	h := sha256.New()
	h.Write([]byte(tactic))
	h.Write([]byte("|"))
	h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}

// Store tracks pending, approved, and denied requests in memory. It is
// intentionally not persisted to the Knowledge Store: approvals are a
// session-scoped concern, not durable recon state.
type Store struct {
	mu             sync.Mutex
	requests       map[string]*Request
	defaultTimeout time.Duration
	maxPending     int
}

// Config tunes the Store's expiry and capacity bounds.
type Config struct {
	DefaultTimeout time.Duration // default 5 minutes
	MaxPending     int           // default 100
}

// NewStore constructs an empty Store.
func NewStore(cfg Config) *Store {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 100
	}
	return &Store{
		requests:       make(map[string]*Request),
		defaultTimeout: cfg.DefaultTimeout,
		maxPending:     cfg.MaxPending,
	}
}

// Create records a new pending Request for tactic/target and returns it.
func (s *Store) Create(executionID string, tactic policy.Tactic, target, reason string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := 0
	for _, r := range s.requests {
		if r.Status == StatusPending {
			pending++
		}
	}
	if pending >= s.maxPending {
		return nil, fmt.Errorf("approval: maximum pending requests (%d) reached", s.maxPending)
	}

	now := time.Now()
	req := &Request{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		Tactic:      tactic,
		Target:      target,
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.defaultTimeout),
		CommandHash: CommandHash(tactic, target),
	}
	s.requests[req.ID] = req

	log.Info().Str("id", req.ID).Str("tactic", string(tactic)).Str("target", target).Msg("approval: request created")
	return req, nil
}

// Get returns the request by id, lazily expiring it if its window has
// passed.
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (*Request, bool) {
	req, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	if req.Status == StatusPending && time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
	}
	return req, true
}

// Approve marks id as approved by username. Idempotent on a
// double-approve; an error on anything else.
func (s *Store) Approve(id, username string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.getLocked(id)
	if !ok {
		return nil, fmt.Errorf("approval: request %s not found", id)
	}
	if req.Status == StatusApproved {
		return req, nil
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval: request %s is not pending (status %s)", id, req.Status)
	}

	now := time.Now()
	req.Status = StatusApproved
	req.DecidedAt = &now
	req.DecidedBy = username
	return req, nil
}

// Deny marks id as denied by username with reason.
func (s *Store) Deny(id, username, reason string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.getLocked(id)
	if !ok {
		return nil, fmt.Errorf("approval: request %s not found", id)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval: request %s is not pending (status %s)", id, req.Status)
	}

	now := time.Now()
	req.Status = StatusDenied
	req.DecidedAt = &now
	req.DecidedBy = username
	req.DenyReason = reason
	return req, nil
}

// Consume validates that id is approved, unexpired, unconsumed, and
// still bound to tactic+target, then marks it consumed. Only a
// successful Consume may let the Policy Gate proceed to the Command
// Builder for an AllowWithConfirmation intent.
func (s *Store) Consume(id string, tactic policy.Tactic, target string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.getLocked(id)
	if !ok {
		return nil, fmt.Errorf("approval: request %s not found", id)
	}
	if req.Status != StatusApproved {
		return nil, fmt.Errorf("approval: request %s is not approved (status %s)", id, req.Status)
	}
	if req.Consumed {
		return nil, fmt.Errorf("approval: request %s has already been consumed", id)
	}

	expected := CommandHash(tactic, target)
	if req.CommandHash != expected {
		log.Warn().Str("id", id).Msg("approval: command hash mismatch, possible replay")
		return nil, fmt.Errorf("approval: request %s was granted for a different tactic/target", id)
	}

	req.Consumed = true
	return req, nil
}

// Sweep expires stale pending requests and drops decided requests older
// than retain. Intended to run on a periodic ticker.
func (s *Store) Sweep(retain time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-retain)
	cleaned := 0

	for _, req := range s.requests {
		if req.Status == StatusPending && now.After(req.ExpiresAt) {
			req.Status = StatusExpired
			cleaned++
		}
	}
	for id, req := range s.requests {
		if req.Status != StatusPending && req.DecidedAt != nil && req.DecidedAt.Before(cutoff) {
			delete(s.requests, id)
			cleaned++
		}
	}
	return cleaned
}
