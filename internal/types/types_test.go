package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(NOT_FOUND, "memory missing")
	assert.Equal(t, "[NOT_FOUND] memory missing", err.Error())

	wrapped := WrapError(STORAGE_QUERY_FAILED, "lookup", fmt.Errorf("disk io"))
	assert.Equal(t, "[STORAGE_QUERY_FAILED] lookup: disk io", wrapped.Error())
	assert.EqualError(t, errors.Unwrap(wrapped), "disk io")
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := WrapError(CONFLICT, "stale weight set", fmt.Errorf("row changed"))
	assert.True(t, errors.Is(err, NewError(CONFLICT, "")))
	assert.False(t, errors.Is(err, NewError(NOT_FOUND, "")))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(NETWORK_UNREACHABLE, "api down")))
	assert.False(t, IsRetryable(NewError(VALIDATION_FAILED, "empty query")))
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.Equal(t, FATAL, CodeOf(fmt.Errorf("plain error")))
}

func TestNamespaceRoundTrip(t *testing.T) {
	for _, ns := range []Namespace{Global(), Project("p"), Session("p", "s1")} {
		parsed, err := ParseNamespace(ns.String())
		require.NoError(t, err)
		assert.Equal(t, ns, parsed)
	}

	_, err := ParseNamespace("session:only-project")
	assert.Error(t, err)
	_, err = ParseNamespace("bogus")
	assert.Error(t, err)
}

func TestNamespaceVisibility(t *testing.T) {
	sess := Session("p", "s1")
	assert.True(t, sess.CanSee(Global()))
	assert.True(t, sess.CanSee(Project("p")))
	assert.True(t, sess.CanSee(sess))
	assert.False(t, sess.CanSee(Project("other")))
	assert.False(t, sess.CanSee(Session("p", "s2")))

	proj := Project("p")
	assert.True(t, proj.CanSee(Global()))
	assert.False(t, proj.CanSee(sess))

	assert.Equal(t, []string{"global"}, Global().Visible())
	assert.Len(t, sess.Visible(), 3)
}

func TestParseID(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("")
	assert.Error(t, err)
	_, err = ParseID("not-a-uuid")
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Contains(t, Redact("api_key=sk-abc123"), "***REDACTED***")
	assert.NotContains(t, Redact("api_key=sk-abc123"), "sk-abc123")
	assert.Equal(t, "plain text", Redact("plain text"))

	args := RedactArgs([]string{"orchestrate", "--llm-api-key", "sk-xyz", "--limit", "5"})
	assert.Equal(t, []string{"orchestrate", "--llm-api-key", "***REDACTED***", "--limit", "5"}, args)
}
