package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

func TestUnavailableBridgeFailsFast(t *testing.T) {
	b := Unavailable{}
	assert.False(t, b.Available())

	_, err := b.Call(context.Background(), "consolidation_decision", map[string]string{"a": "x"})
	require.Error(t, err)
	assert.Equal(t, types.BRIDGE_CALL_FAILED, types.CodeOf(err))
	assert.False(t, types.IsRetryable(err))
}

func TestFromConfigSelectsBridge(t *testing.T) {
	assert.False(t, FromConfig("", "").Available())
	assert.True(t, FromConfig("sk-test", "").Available())
}

func TestParseOutputsPlainObject(t *testing.T) {
	out, err := parseOutputs(`{"decision": "merge", "reason": "near duplicates"}`)
	require.NoError(t, err)
	assert.Equal(t, "merge", out["decision"])
	assert.Equal(t, "near duplicates", out["reason"])
}

func TestParseOutputsFencedAndTyped(t *testing.T) {
	out, err := parseOutputs("Here you go:\n```json\n{\"decision\": \"keep_both\", \"confidence\": 0.7}\n```")
	require.NoError(t, err)
	assert.Equal(t, "keep_both", out["decision"])
	assert.Equal(t, "0.7", out["confidence"])
}

func TestParseOutputsRejectsProse(t *testing.T) {
	_, err := parseOutputs("I cannot answer that.")
	require.Error(t, err)
}

func TestClassifyErrors(t *testing.T) {
	assert.Equal(t, types.AUTHENTICATION_FAILED, types.CodeOf(classify(assertErr("401 unauthorized"))))
	assert.Equal(t, types.RATE_LIMIT_EXCEEDED, types.CodeOf(classify(assertErr("429 too many requests"))))
	assert.True(t, types.IsRetryable(classify(assertErr("429 too many requests"))))
	assert.Equal(t, types.BRIDGE_CALL_FAILED, types.CodeOf(classify(assertErr("400 bad request"))))
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
