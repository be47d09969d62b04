package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/policy"
)

func TestCreateThenApproveThenConsumeSucceedsOnce(t *testing.T) {
	s := NewStore(Config{})
	req, err := s.Create("exec-1", policy.TacticExploitWeakness, "http://10.0.0.5/", "user requested a weakness check")
	require.NoError(t, err)

	_, err = s.Approve(req.ID, "operator")
	require.NoError(t, err)

	consumed, err := s.Consume(req.ID, policy.TacticExploitWeakness, "http://10.0.0.5/")
	require.NoError(t, err)
	assert.True(t, consumed.Consumed)

	_, err = s.Consume(req.ID, policy.TacticExploitWeakness, "http://10.0.0.5/")
	assert.Error(t, err, "a consumed approval must not be reusable")
}

func TestConsumeRejectsCommandHashMismatch(t *testing.T) {
	s := NewStore(Config{})
	req, err := s.Create("exec-1", policy.TacticExploitWeakness, "http://10.0.0.5/", "reason")
	require.NoError(t, err)
	_, err = s.Approve(req.ID, "operator")
	require.NoError(t, err)

	_, err = s.Consume(req.ID, policy.TacticExploitWeakness, "http://10.0.0.99/")
	assert.Error(t, err)
}

func TestConsumeRejectsUnapprovedRequest(t *testing.T) {
	s := NewStore(Config{})
	req, err := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	require.NoError(t, err)

	_, err = s.Consume(req.ID, policy.TacticCredentialBrute, "10.0.0.5")
	assert.Error(t, err)
}

func TestApproveIsIdempotent(t *testing.T) {
	s := NewStore(Config{})
	req, _ := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	_, err := s.Approve(req.ID, "operator")
	require.NoError(t, err)
	_, err = s.Approve(req.ID, "operator")
	assert.NoError(t, err)
}

func TestApproveRejectsAlreadyDenied(t *testing.T) {
	s := NewStore(Config{})
	req, _ := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	_, err := s.Deny(req.ID, "operator", "too risky")
	require.NoError(t, err)

	_, err = s.Approve(req.ID, "operator")
	assert.Error(t, err)
}

func TestGetExpiresPendingRequestPastWindow(t *testing.T) {
	s := NewStore(Config{DefaultTimeout: time.Millisecond})
	req, _ := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	time.Sleep(5 * time.Millisecond)

	got, ok := s.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestCreateRejectsOverCapacity(t *testing.T) {
	s := NewStore(Config{MaxPending: 1})
	_, err := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	require.NoError(t, err)

	_, err = s.Create("exec-2", policy.TacticCredentialBrute, "10.0.0.6", "reason")
	assert.Error(t, err)
}

func TestSweepExpiresAndRemovesOldDecided(t *testing.T) {
	s := NewStore(Config{DefaultTimeout: time.Millisecond})
	req, _ := s.Create("exec-1", policy.TacticCredentialBrute, "10.0.0.5", "reason")
	time.Sleep(5 * time.Millisecond)

	cleaned := s.Sweep(time.Hour)
	assert.Equal(t, 1, cleaned)

	got, ok := s.Get(req.ID)
	require.True(t, ok)
	assert.Equal(t, StatusExpired, got.Status)
}
