package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers operator alerts. Delivery is best effort.
type Notifier interface {
	Alert(ctx context.Context, text string)
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Alert(context.Context, string) {}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts alerts to one admin chat. Repeated identical alerts inside
// the cooldown window are collapsed.
type Telegram struct {
	api      sender
	chatID   int64
	log      *slog.Logger
	cooldown time.Duration

	mu   sync.Mutex
	sent map[string]time.Time
	now  func() time.Time
}

// New returns a Telegram notifier, or Nop when no token or chat is configured.
func New(token string, chatID int64, log *slog.Logger) (Notifier, error) {
	if strings.TrimSpace(token) == "" || chatID == 0 {
		return Nop{}, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(api, chatID, log), nil
}

func newTelegram(api sender, chatID int64, log *slog.Logger) *Telegram {
	return &Telegram{
		api:      api,
		chatID:   chatID,
		log:      log,
		cooldown: time.Minute,
		sent:     make(map[string]time.Time),
		now:      time.Now,
	}
}

func (t *Telegram) Alert(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" || ctx.Err() != nil {
		return
	}
	if !t.allow(text) {
		return
	}

	msg := tgbotapi.NewMessage(t.chatID, truncate(text, 4000))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send alert", "err", err)
	}
}

func (t *Telegram) allow(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for k, at := range t.sent {
		if now.Sub(at) >= t.cooldown {
			delete(t.sent, k)
		}
	}
	if _, dup := t.sent[text]; dup {
		return false
	}
	t.sent[text] = now
	return true
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
