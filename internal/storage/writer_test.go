package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []string
}

func (f *fakeStore) LogExecution(_ context.Context, exec *Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection refused")
	}
	f.saved = append(f.saved, exec.ID)
	return nil
}

func (f *fakeStore) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.saved...)
}

func TestAuditWriter_FlushDrainsQueue(t *testing.T) {
	store := &fakeStore{}
	w := NewAuditWriter(store, 16)
	w.Start()

	for _, id := range []string{"a", "b", "c"} {
		w.Log(&Execution{ID: id})
	}
	w.Flush(5 * time.Second)

	_, saved := store.snapshot()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, saved)
}

func TestAuditWriter_RetriesTransientFailures(t *testing.T) {
	store := &fakeStore{failures: 2}
	w := NewAuditWriter(store, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Execution{ID: "retry-me"})
	w.Flush(5 * time.Second)

	calls, saved := store.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"retry-me"}, saved)
}

func TestAuditWriter_GivesUpAfterRetries(t *testing.T) {
	store := &fakeStore{failures: 100}
	w := NewAuditWriter(store, 4)
	w.backoff = time.Millisecond
	w.Start()

	w.Log(&Execution{ID: "doomed"})
	w.Flush(5 * time.Second)

	calls, saved := store.snapshot()
	assert.Equal(t, 4, calls)
	assert.Empty(t, saved)
}

func TestAuditWriter_DropsWhenFull(t *testing.T) {
	store := &fakeStore{}
	w := NewAuditWriter(store, 1)

	// Not started, so the second entry has nowhere to go.
	w.Log(&Execution{ID: "kept"})
	w.Log(&Execution{ID: "dropped"})
	require.Len(t, w.ch, 1)

	w.Start()
	w.Flush(5 * time.Second)
	_, saved := store.snapshot()
	assert.Equal(t, []string{"kept"}, saved)
}

func TestAuditWriter_FlushTwice(t *testing.T) {
	w := NewAuditWriter(&fakeStore{}, 1)
	w.Start()
	w.Flush(time.Second)
	assert.NotPanics(t, func() { w.Flush(time.Second) })
}

func TestTruncateForDB(t *testing.T) {
	assert.Equal(t, "abc", truncateForDB("abc", 5))
	assert.Equal(t, "ab", truncateForDB("abc", 2))
}
