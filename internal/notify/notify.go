// Package notify delivers operator messages and drains operator commands.
package notify

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"session-trader/internal/models"
)

// Notifier is the operator channel. Messages are HTML-formatted.
type Notifier interface {
	// Notify broadcasts a message.
	Notify(ctx context.Context, text string) error
	// PollCommands returns and removes every pending command.
	PollCommands(ctx context.Context) ([]models.Command, error)
	// SendResult replies to the chat a command came from.
	SendResult(ctx context.Context, chatID int64, text string) error
	Close() error
}

// Nop discards messages and never has commands.
type Nop struct{}

func (Nop) Notify(ctx context.Context, text string) error { return nil }
func (Nop) PollCommands(ctx context.Context) ([]models.Command, error) { return nil, nil }
func (Nop) SendResult(ctx context.Context, chatID int64, text string) error { return nil }
func (Nop) Close() error { return nil }

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// PlainText strips HTML tags and unescapes the entities the bot emits.
func PlainText(html string) string {
	s := tagPattern.ReplaceAllString(html, "")
	return strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`).Replace(s)
}

// LogNotifier writes notifications to the log. It has no command source.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(ctx context.Context, text string) error {
	l.logger.Info().Msg(PlainText(text))
	return nil
}

func (l *LogNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	return nil, nil
}

func (l *LogNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	l.logger.Info().Int64("chat_id", chatID).Msg(PlainText(text))
	return nil
}

func (l *LogNotifier) Close() error { return nil }

// MultiNotifier fans messages out to every channel and merges their
// command queues.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []Notifier
}

// NewMultiNotifier creates a MultiNotifier over channels.
func NewMultiNotifier(channels ...Notifier) *MultiNotifier {
	return &MultiNotifier{channels: channels}
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch Notifier) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) snapshot() []Notifier {
	mn.mu.RLock()
	defer mn.mu.RUnlock()
	return append([]Notifier(nil), mn.channels...)
}

// Notify sends to every channel, collecting failures.
func (mn *MultiNotifier) Notify(ctx context.Context, text string) error {
	var errs []string
	for _, ch := range mn.snapshot() {
		if err := ch.Notify(ctx, text); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PollCommands drains every channel. A failing channel does not hide the
// commands of the others.
func (mn *MultiNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	var out []models.Command
	var errs []string
	for _, ch := range mn.snapshot() {
		cmds, err := ch.PollCommands(ctx)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		out = append(out, cmds...)
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("poll errors: %s", strings.Join(errs, "; "))
	}
	return out, nil
}

// SendResult replies through every channel; each ignores chats it does not
// know.
func (mn *MultiNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	var errs []string
	for _, ch := range mn.snapshot() {
		if err := ch.SendResult(ctx, chatID, text); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("result errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Close closes every channel.
func (mn *MultiNotifier) Close() error {
	var errs []string
	for _, ch := range mn.snapshot() {
		if err := ch.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
