package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates a SQLiteStore in a temporary directory with all
// migrations applied. The pooled connections share one file so concurrent
// tests see the same data. The store is closed when the test completes.
func NewTestStore(t *testing.T, opts ...store.Option) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "messages.db"), opts...)
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}
