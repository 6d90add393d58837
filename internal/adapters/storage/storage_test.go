package storage

import (
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *AppStorage {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	s := NewAppStorage(db, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
