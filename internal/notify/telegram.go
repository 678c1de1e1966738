package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/config"
)

// telegramMaxLen is Telegram's message size limit.
const telegramMaxLen = 4096

type sendFunc func(chatID int64, text string) error

// TelegramNotifier forwards critical alerts to the configured chats. It is
// a no-op when no token is configured.
type TelegramNotifier struct {
	chatIDs []int64
	send    sendFunc
	logger  *slog.Logger
}

// NewTelegramNotifier connects the bot when cfg enables it. A disabled
// config yields a notifier whose Enabled reports false.
func NewTelegramNotifier(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &TelegramNotifier{chatIDs: cfg.ChatIDs, logger: logger.With("component", "telegram")}
	if !cfg.Enabled || cfg.Token == "" {
		return n, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	n.logger.Info("telegram notifier ready", "bot", bot.Self.UserName, "chats", len(cfg.ChatIDs))
	n.send = func(chatID int64, text string) error {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true
		_, err := bot.Send(msg)
		return err
	}
	return n, nil
}

func (n *TelegramNotifier) Enabled() bool {
	return n != nil && n.send != nil && len(n.chatIDs) > 0
}

// Notify sends text to every configured chat. Failures for individual
// chats are joined; delivery to the rest continues.
func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	text = truncate(text, telegramMaxLen)
	var errs []error
	for _, id := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.send(id, text); err != nil {
			n.logger.WarnContext(ctx, "telegram send failed", "chat_id", id, "error", err)
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Attach forwards critical alerts from b until ctx is cancelled. It returns
// a closed channel when the notifier is disabled.
func (n *TelegramNotifier) Attach(ctx context.Context, b *bus.Bus) <-chan struct{} {
	if !n.Enabled() {
		done := make(chan struct{})
		close(done)
		return done
	}
	return b.Handle(ctx, bus.TopicAlertCritical, func(ev bus.Event) {
		a, ok := alertOf(ev.Payload)
		if !ok {
			return
		}
		_ = n.Notify(ctx, FormatAlert(a))
	})
}

// FormatAlert renders a as Telegram HTML.
func FormatAlert(a apperr.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> %s\n", html.EscapeString(a.Severity), html.EscapeString(a.Kind))
	b.WriteString(html.EscapeString(a.Message))
	if len(a.Context) > 0 {
		keys := make([]string, 0, len(a.Context))
		for k := range a.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n<code>%s</code>: %s", html.EscapeString(k), html.EscapeString(a.Context[k]))
		}
	}
	if a.TraceID != "" {
		fmt.Fprintf(&b, "\n\ntrace <code>%s</code>", html.EscapeString(a.TraceID))
	}
	return b.String()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
