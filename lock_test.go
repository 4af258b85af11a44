package main

import (
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.ht")

	l, err := acquireWriterLock(path)
	require.NoError(t, err)

	_, err = acquireWriterLock(path)
	assert.True(t, errors.Is(err, ErrLocked))

	require.NoError(t, l.Unlock())
	again, err := acquireWriterLock(path)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}
