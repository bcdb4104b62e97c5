package notify

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opencopilot/internal/task"
)

func testTask() *task.Task {
	return task.New("acme", "widgets", 7, 99, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

type fakeSlack struct {
	calls []fakeSlackCall
	err   error
}

type fakeSlackCall struct {
	channel string
	opts    int
}

func (f *fakeSlack) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	f.calls = append(f.calls, fakeSlackCall{channel: channelID, opts: len(options)})
	if f.err != nil {
		return "", "", f.err
	}
	return channelID, "ts-1", nil
}

func TestSlackNotifier_PostsToChannel(t *testing.T) {
	api := &fakeSlack{}
	n := newSlackNotifier(api, "#agents", slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), Event{Type: EventTaskCompleted, Task: testTask()})
	require.NoError(t, err)
	require.Len(t, api.calls, 1)
	assert.Equal(t, "#agents", api.calls[0].channel)
	assert.Equal(t, 1, api.calls[0].opts)
}

func TestSlackNotifier_ThreadsFollowUps(t *testing.T) {
	api := &fakeSlack{}
	n := newSlackNotifier(api, "#agents", slog.New(slog.DiscardHandler))
	tk := testTask()

	require.NoError(t, n.Notify(context.Background(), Event{Type: EventTaskFailed, Task: tk}))
	require.NoError(t, n.Notify(context.Background(), Event{Type: EventTaskCompleted, Task: tk}))

	require.Len(t, api.calls, 2)
	// The second message carries the thread option on top of the text.
	assert.Equal(t, 1, api.calls[0].opts)
	assert.Equal(t, 2, api.calls[1].opts)
}

func TestSlackNotifier_PropagatesError(t *testing.T) {
	api := &fakeSlack{err: errors.New("channel_not_found")}
	n := newSlackNotifier(api, "#agents", slog.New(slog.DiscardHandler))

	err := n.Notify(context.Background(), Event{Type: EventTaskFailed, Task: testTask()})
	assert.Error(t, err)
}

type countingNotifier struct {
	count int
	err   error
}

func (c *countingNotifier) Notify(context.Context, Event) error {
	c.count++
	return c.err
}

func TestFanout_DeliversToAllDespiteFailures(t *testing.T) {
	broken := &countingNotifier{err: errors.New("down")}
	healthy := &countingNotifier{}
	f := NewFanout(slog.New(slog.DiscardHandler), broken, healthy)

	err := f.Notify(context.Background(), Event{Type: EventTaskCompleted, Task: testTask()})
	require.NoError(t, err)
	assert.Equal(t, 1, broken.count)
	assert.Equal(t, 1, healthy.count)
}

func TestEventFor(t *testing.T) {
	assert.Equal(t, EventTaskCompleted, EventFor(task.StatusCompleted))
	assert.Equal(t, EventTaskFailed, EventFor(task.StatusFailed))
	assert.Equal(t, EventTaskCancelled, EventFor(task.StatusCancelled))
	assert.Empty(t, EventFor(task.StatusExecuting))
}

func TestRenderMessage(t *testing.T) {
	msg := renderMessage(Event{Type: EventTaskFailed, Task: testTask(), Detail: "step 2 failed"})
	assert.Contains(t, msg, "acme/widgets#7")
	assert.Contains(t, msg, "failed")
	assert.Contains(t, msg, "step 2 failed")
}
