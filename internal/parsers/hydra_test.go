package parsers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

type passthroughSealer struct{}

func (passthroughSealer) Seal(plaintext []byte) ([]byte, error) {
	return append([]byte("enc:"), plaintext...), nil
}

type failingSealer struct{}

func (failingSealer) Seal([]byte) ([]byte, error) { return nil, errors.New("boom") }

func TestHydraParserSealsRecoveredPassword(t *testing.T) {
	out := []byte("[22][ssh] host: 10.0.0.5   login: root   password: toor\n")
	p := NewHydraParser(passthroughSealer{})

	res, err := p.Parse(out, Context{ToolID: "hydra"})
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)

	cred := res.Entities[0]
	assert.Equal(t, entityid.Credential("root", entityid.Host("10.0.0.5")), cred.ID)
	data := cred.Data.(knowledge.CredentialData)
	assert.Equal(t, "root", data.Username)
	assert.Equal(t, []byte("enc:toor"), data.Secret)
	assert.True(t, data.Valid)
}

func TestHydraParserIgnoresUnmatchedLines(t *testing.T) {
	out := []byte("[DATA] attacking ssh://10.0.0.5:22/\n1 of 1 target completed, 0 valid passwords found\n")
	p := NewHydraParser(passthroughSealer{})

	res, err := p.Parse(out, Context{ToolID: "hydra"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
}

func TestHydraParserRecordsSealFailureAsNonFatalError(t *testing.T) {
	out := []byte("[22][ssh] host: 10.0.0.5   login: root   password: toor\n")
	p := NewHydraParser(failingSealer{})

	res, err := p.Parse(out, Context{ToolID: "hydra"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.NotEmpty(t, res.Errors)
}

func TestHydraParserLinksCredentialToUpstreamService(t *testing.T) {
	out := []byte("[22][ssh] host: 10.0.0.5   login: root   password: toor\n")
	p := NewHydraParser(passthroughSealer{})
	serviceID := entityid.Service(entityid.Port(entityid.Host("10.0.0.5"), 22, "tcp"), "ssh")

	res, err := p.Parse(out, Context{ToolID: "hydra", UpstreamPort: serviceID})
	require.NoError(t, err)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, serviceID, res.Relationships[0].ParentID)
	assert.Equal(t, knowledge.RelHasCredential, res.Relationships[0].Type)
}
