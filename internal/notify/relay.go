package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"session-trader/internal/errors"
	"session-trader/internal/models"
	"session-trader/pkg/utils"
)

// RelayConfig configures the HTTP chat relay.
type RelayConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// RelayNotifier talks to a chat relay service that fronts the bot:
//
//	POST /api/notify          {"text": ...}            broadcast
//	GET  /api/commands        {"commands": [...]}      pops the queue
//	POST /api/command-result  {"chat_id": ..., "text"} reply to one chat
type RelayNotifier struct {
	client *resty.Client
	retry  utils.RetryConfig
	logger zerolog.Logger
}

var _ Notifier = (*RelayNotifier)(nil)

// NewRelayNotifier creates a relay client.
func NewRelayNotifier(cfg RelayConfig, logger zerolog.Logger) *RelayNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.URL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-API-Key", cfg.APIKey)

	return &RelayNotifier{
		client: client,
		retry: utils.RetryConfig{
			MaxAttempts:     2,
			InitialDelay:    500 * time.Millisecond,
			MaxDelay:        time.Second,
			BackoffFactor:   2,
			RetryableErrors: []error{errors.ErrConnectionFailed},
		},
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

func (r *RelayNotifier) post(ctx context.Context, path string, body interface{}) error {
	return utils.Retry(ctx, r.retry, func() error {
		resp, err := r.client.R().SetContext(ctx).SetBody(body).Post(path)
		if err != nil {
			return fmt.Errorf("relay POST %s: %w: %w", path, errors.ErrConnectionFailed, err)
		}
		if resp.IsError() {
			if resp.StatusCode() >= 500 {
				return fmt.Errorf("relay POST %s: status %d: %w", path, resp.StatusCode(), errors.ErrConnectionFailed)
			}
			return fmt.Errorf("relay POST %s: status %d", path, resp.StatusCode())
		}
		return nil
	})
}

// Notify broadcasts text. Empty messages are dropped.
func (r *RelayNotifier) Notify(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	return r.post(ctx, "/api/notify", map[string]string{"text": text})
}

// SendResult replies to one chat.
func (r *RelayNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 || text == "" {
		return nil
	}
	return r.post(ctx, "/api/command-result", map[string]interface{}{"chat_id": chatID, "text": text})
}

type relayCommand struct {
	ID        interface{} `json:"id"`
	Command   string      `json:"command"`
	Args      string      `json:"args"`
	ChatID    int64       `json:"chat_id"`
	Timestamp string      `json:"timestamp"`
}

// command normalizes a queued command: "/Close" becomes "close".
func (c relayCommand) command() models.Command {
	return models.Command{
		ID:        commandID(c.ID),
		Command:   strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.Command), "/")),
		Args:      strings.TrimSpace(c.Args),
		ChatID:    c.ChatID,
		Timestamp: parseTimestamp(c.Timestamp),
	}
}

type relayCommands struct {
	Commands []relayCommand `json:"commands"`
}

// PollCommands fetches and clears the relay queue.
func (r *RelayNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	var out relayCommands
	resp, err := r.client.R().SetContext(ctx).SetResult(&out).Get("/api/commands")
	if err != nil {
		return nil, fmt.Errorf("relay GET /api/commands: %w: %w", errors.ErrConnectionFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("relay GET /api/commands: status %d", resp.StatusCode())
	}

	cmds := make([]models.Command, 0, len(out.Commands))
	for _, c := range out.Commands {
		cmds = append(cmds, c.command())
	}
	if len(cmds) > 0 {
		r.logger.Debug().Int("count", len(cmds)).Msg("Commands received")
	}
	return cmds, nil
}

// Close is a no-op.
func (r *RelayNotifier) Close() error { return nil }

func commandID(v interface{}) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatInt(int64(id), 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(id)
	}
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
