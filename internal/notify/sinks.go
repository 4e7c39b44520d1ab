package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// LogSink writes events to a logger.
type LogSink struct {
	Logger logrus.FieldLogger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Send implements Sink.
func (s LogSink) Send(_ context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fields := logrus.Fields{
		"event_id": e.ID.String(),
		"kind":     e.Kind,
		"priority": e.Priority.String(),
	}
	if e.Ticker != "" {
		fields["ticker"] = e.Ticker
	}
	for k, v := range e.Fields {
		fields[k] = v
	}
	entry := logger.WithFields(fields)
	if e.Priority >= PriorityHigh {
		entry.Warn(e.Title)
	} else {
		entry.Info(e.Title)
	}
	return nil
}

// telegramSender is the subset of *tgbotapi.BotAPI used by TelegramSink.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends events to one chat.
type TelegramSink struct {
	api    telegramSender
	chatID int64
}

// NewTelegramSink connects to the Bot API with token.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramSink{api: api, chatID: chatID}, nil
}

func newTelegramSinkWithSender(api telegramSender, chatID int64) *TelegramSink {
	return &TelegramSink{api: api, chatID: chatID}
}

// Name implements Sink.
func (*TelegramSink) Name() string { return "telegram" }

// Send implements Sink.
func (s *TelegramSink) Send(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, telegramText(e))
	msg.DisableWebPagePreview = true
	if _, err := s.api.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func telegramText(e Event) string {
	var b strings.Builder
	b.WriteString(e.Text())
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s: %s", k, e.Fields[k])
		}
	}
	return b.String()
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

// Name implements Sink.
func (m MultiSink) Name() string {
	names := make([]string, len(m))
	for i, s := range m {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Recorder is a Notifier that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

var _ Notifier = (*Recorder)(nil)

// Notify implements Notifier.
func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns recorded events of one kind.
func (r *Recorder) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets every recorded event.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
