package storage

import (
	"testing"

	"connecto/models"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustLogEvent(t *testing.T, store *Store, event models.PairingEvent) models.PairingEvent {
	t.Helper()

	stored, err := store.LogPairingEvent(event)
	if err != nil {
		t.Fatalf("log %s event: %v", event.Kind, err)
	}
	return stored
}
