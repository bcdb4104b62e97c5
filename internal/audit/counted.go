package audit

import (
	"context"
	"time"
)

// counter is the one instrument Counted needs; prometheus.Counter
// satisfies it.
type counter interface {
	Inc()
}

// Counted wraps a Store and counts entries that were actually persisted.
type Counted struct {
	next Store
	hits counter
}

func NewCounted(next Store, hits counter) *Counted {
	return &Counted{next: next, hits: hits}
}

func (c *Counted) Store(ctx context.Context, entry Entry) error {
	if err := c.next.Store(ctx, entry); err != nil {
		return err
	}
	c.hits.Inc()
	return nil
}

func (c *Counted) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	return c.next.Query(ctx, filter)
}

func (c *Counted) DeleteOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	return c.next.DeleteOlderThan(ctx, retention)
}
