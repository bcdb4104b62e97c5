package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCounter struct {
	n int
}

func (f *fakeCounter) Inc() { f.n++ }

type failingStore struct{}

func (failingStore) Store(context.Context, Entry) error {
	return errors.New("disk full")
}

func (failingStore) Query(context.Context, Filter) ([]Entry, error) {
	return nil, nil
}

func (failingStore) DeleteOlderThan(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func TestCounted_CountsStoredEntries(t *testing.T) {
	inner, _ := seededStore(t)
	hits := &fakeCounter{}
	store := NewCounted(inner, hits)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, Entry{EventType: EventStepExecuted}))
	require.NoError(t, store.Store(ctx, Entry{EventType: EventCommitPushed}))
	assert.Equal(t, 2, hits.n)

	got, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, got, 2, "writes reach the wrapped store")

	removed, err := store.DeleteOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestCounted_SkipsFailedWrites(t *testing.T) {
	hits := &fakeCounter{}
	store := NewCounted(failingStore{}, hits)

	err := store.Store(context.Background(), Entry{EventType: EventStepExecuted})
	require.Error(t, err)
	assert.Zero(t, hits.n)
}

func TestCounted_DeleteOlderThanDelegates(t *testing.T) {
	inner, c := seededStore(t)
	store := NewCounted(inner, &fakeCounter{})
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, Entry{EventType: EventStepExecuted}))
	c.Advance(48 * time.Hour)

	removed, err := store.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
