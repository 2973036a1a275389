package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/opsprobe-dev/opsprobe/internal/logging"
	"github.com/opsprobe-dev/opsprobe/internal/store"
)

// OpenStore returns a Store backed by a fresh shared-cache in-memory
// SQLite database, isolated per call.
func OpenStore(t *testing.T) *store.Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	st, err := store.Open("sqlite", dsn, logging.Discard())
	require.NoError(t, err)
	return st
}
