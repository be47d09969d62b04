package credstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("correct-horse-battery-staple")
	require.NoError(t, err)

	sealed, err := s.Seal([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "hunter2")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(opened))
}

func TestSealProducesDistinctCiphertextEachTime(t *testing.T) {
	s, err := NewSealer("passphrase")
	require.NoError(t, err)

	a, err := s.Seal([]byte("same-secret"))
	require.NoError(t, err)
	b, err := s.Seal([]byte("same-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	s1, err := NewSealer("passphrase-one")
	require.NoError(t, err)
	s2, err := NewSealer("passphrase-two")
	require.NoError(t, err)

	sealed, err := s1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = s2.Open(sealed)
	assert.Error(t, err)
}

func TestOpenRejectsTruncatedCiphertext(t *testing.T) {
	s, err := NewSealer("passphrase")
	require.NoError(t, err)
	_, err = s.Open([]byte("too short"))
	assert.Error(t, err)
}

func TestNewSealerRejectsEmptyPassphrase(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}
