package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(types.NewError(types.VALIDATION_FAILED, "bad flag")))
	assert.Equal(t, 2, exitCode(types.NewError(types.STORAGE_OPEN_FAILED, "db locked")))
	assert.Equal(t, 2, exitCode(types.NewError(types.FATAL, "crashed")))
	assert.Equal(t, 2, exitCode(errors.New("plain error")))

	wrapped := types.WrapError(types.VALIDATION_FAILED, "invalid importance", errors.New("out of range"))
	assert.Equal(t, 1, exitCode(wrapped))
}
