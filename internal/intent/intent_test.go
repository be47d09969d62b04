package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollaborator struct {
	response string
	err      error
	calls    int
}

func (s *stubCollaborator) Resolve(ctx context.Context, userText string, vocabulary []Kind) (string, error) {
	s.calls++
	return s.response, s.err
}

func TestResolveParsesWellFormedIntent(t *testing.T) {
	c := &stubCollaborator{response: `{"kind":"PORT_SCAN","target":"10.0.0.5","params":{"ports":"1-1024"},"rationale":"scan ports"}`}
	r := New(c, nil)
	in, err := r.Resolve(context.Background(), "scan 10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, KindPortScan, in.Kind)
	assert.Equal(t, "10.0.0.5", in.Target)
	assert.Equal(t, "1-1024", in.Params["ports"])
}

func TestResolveRejectsResponseNamingATool(t *testing.T) {
	c := &stubCollaborator{response: `{"kind":"PORT_SCAN","target":"10.0.0.5","tool":"nmap"}`}
	r := New(c, nil)
	_, err := r.Resolve(context.Background(), "scan it")
	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "IntentSchemaViolation", re.Kind)
}

func TestResolveRejectsResponseNamingArgv(t *testing.T) {
	c := &stubCollaborator{response: `{"kind":"PORT_SCAN","target":"10.0.0.5","argv":["-sT","10.0.0.5"]}`}
	_, err := New(c, nil).Resolve(context.Background(), "scan it")
	require.Error(t, err)
}

func TestResolveRejectsMalformedJSON(t *testing.T) {
	c := &stubCollaborator{response: `not json`}
	_, err := New(c, nil).Resolve(context.Background(), "scan it")
	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "IntentSchemaViolation", re.Kind)
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	c := &stubCollaborator{response: `{"kind":"DELETE_EVERYTHING","target":"10.0.0.5"}`}
	_, err := New(c, nil).Resolve(context.Background(), "scan it")
	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "UnknownIntent", re.Kind)
}

func TestResolveReturnsLlmUnavailableOnCollaboratorError(t *testing.T) {
	c := &stubCollaborator{err: errors.New("connection refused")}
	_, err := New(c, nil).Resolve(context.Background(), "scan it")
	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "LlmUnavailable", re.Kind)
}

func TestResolveDoesNotRetryWithADifferentPrompt(t *testing.T) {
	c := &stubCollaborator{response: `not json`}
	_, _ = New(c, nil).Resolve(context.Background(), "scan it")
	assert.Equal(t, 1, c.calls)
}

func TestResolveRefusesCallWhenBreakerIsOpen(t *testing.T) {
	c := &stubCollaborator{err: errors.New("timeout")}
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1})
	r := New(c, b)

	_, err := r.Resolve(context.Background(), "scan it")
	require.Error(t, err)
	assert.Equal(t, 1, c.calls)

	_, err = r.Resolve(context.Background(), "scan it again")
	require.Error(t, err)
	var re *ResolveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "LlmUnavailable", re.Kind)
	assert.Equal(t, 1, c.calls, "breaker should have refused the second call before reaching the collaborator")
}

func TestBreakerClosesAfterSuccessThresholdInHalfOpen(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, InitialBackoff: time.Nanosecond})
	b.RecordFailure(errors.New("boom"))
	assert.Equal(t, "open", b.State())

	require.True(t, b.Allow()) // 1ns backoff has elapsed, transitions to half-open
	assert.Equal(t, "half-open", b.State())

	b.RecordSuccess()
	assert.Equal(t, "half-open", b.State())

	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}
