package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
)

// slackAPI is the slice of the Slack client the notifier uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts terminal task events to a Slack channel. Events for
// the same task thread under the first message.
type SlackNotifier struct {
	api     slackAPI
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	threads map[string]string // task id -> thread timestamp
}

func NewSlackNotifier(token, channel string, logger *slog.Logger) *SlackNotifier {
	return newSlackNotifier(slack.New(token), channel, logger)
}

func newSlackNotifier(api slackAPI, channel string, logger *slog.Logger) *SlackNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackNotifier{
		api:     api,
		channel: channel,
		logger:  logger,
		threads: make(map[string]string),
	}
}

func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	opts := []slack.MsgOption{
		slack.MsgOptionText(renderMessage(event), false),
	}

	n.mu.Lock()
	threadTS, threaded := n.threads[event.Task.ID]
	n.mu.Unlock()
	if threaded {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}

	_, ts, err := n.api.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if !threaded {
		n.threads[event.Task.ID] = ts
	}
	n.mu.Unlock()
	return nil
}
