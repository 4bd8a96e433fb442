package playtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("secret", time.Hour)

	tok, err := iss.Issue("play-1", Observing)
	require.NoError(t, err)

	claims, err := iss.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "play-1", claims.PlayID)
	assert.Equal(t, Observing, claims.Class)
	assert.NotEmpty(t, claims.ID)
}

func TestParseRejectsForeignSecret(t *testing.T) {
	tok, err := NewIssuer("a", time.Hour).Issue("play-1", Authoring)
	require.NoError(t, err)

	_, err = NewIssuer("b", time.Hour).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRandomSecretsDiffer(t *testing.T) {
	tok, err := NewIssuer("", 0).Issue("play-1", Authoring)
	require.NoError(t, err)
	_, err = NewIssuer("", 0).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	iss := NewIssuer("secret", time.Millisecond)
	tok, err := iss.Issue("play-1", Authoring)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = iss.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUnknownClass(t *testing.T) {
	_, err := NewIssuer("s", time.Hour).Issue("p", Class("admin"))
	assert.Error(t, err)
}
