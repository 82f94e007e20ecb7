package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/algomatic/strat-service/internal/types"
)

// sender is the part of tgbotapi.BotAPI used for delivery.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends signals to one chat via the Telegram Bot API.
type Telegram struct {
	bot            *tgbotapi.BotAPI
	send           sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	loc            *time.Location
	logger         *slog.Logger
}

// TelegramConfig configures NewTelegram.
type TelegramConfig struct {
	BotToken       string
	ChatID         string
	MaxRetries     int
	RetryDelayBase time.Duration
	// Location renders times in exchange-local time.
	Location *time.Location
}

// NewTelegram creates a Telegram notifier. It contacts the Bot API to
// validate the token.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	chatID, err := strconv.ParseInt(cfg.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	t := newTelegram(bot, chatID, cfg, logger)
	t.bot = bot
	return t, nil
}

func newTelegram(s sender, chatID int64, cfg TelegramConfig, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Telegram{
		send:           s,
		chatID:         chatID,
		maxRetries:     cfg.MaxRetries,
		retryDelayBase: cfg.RetryDelayBase,
		loc:            cfg.Location,
		logger:         logger,
	}
}

// Name implements Notifier.
func (t *Telegram) Name() string { return "telegram" }

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, sig types.Signal) error {
	return t.sendMarkdownV2(ctx, formatSignal(sig, t.loc))
}

// SendError sends a scan error notice. Call it only on the first failure
// of a consecutive run.
func (t *Telegram) SendError(ctx context.Context, cycleErr error) error {
	text := fmt.Sprintf("⚠️ *Scan error*\n`%s`", escapeMarkdownV2(cycleErr.Error()))
	return t.sendMarkdownV2(ctx, text)
}

// SendRecovery sends a recovery notice after consecutive failures.
func (t *Telegram) SendRecovery(ctx context.Context, failureCount int) error {
	text := fmt.Sprintf("✅ *Scanning recovered* after %d consecutive failure\\(s\\)", failureCount)
	return t.sendMarkdownV2(ctx, text)
}

// ListenForCommands polls for bot commands until ctx is cancelled. It
// returns immediately. Only /ping is understood.
func (t *Telegram) ListenForCommands(ctx context.Context) {
	if t.bot == nil {
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					t.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "ping":
		if _, err := t.send.Send(tgbotapi.NewMessage(msg.Chat.ID, "Pong")); err != nil {
			t.logger.Warn("failed to answer ping", "error", err)
		}
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (t *Telegram) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < t.maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := t.send.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		t.logger.Warn("telegram send failed", "attempt", i+1, "error", err)
		if i == t.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", t.maxRetries, lastErr)
}

// formatSignal renders a signal as a MarkdownV2 message.
func formatSignal(sig types.Signal, loc *time.Location) string {
	m := sig.Match
	emoji := "📈"
	if m.Direction == types.Bearish {
		emoji = "📉"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s %s* %s\n",
		emoji,
		escapeMarkdownV2(m.Symbol),
		escapeMarkdownV2(string(m.Kind)),
		escapeMarkdownV2(m.Timeframe),
	)
	fmt.Fprintf(&b, "Direction: %s\n", escapeMarkdownV2(string(m.Direction)))
	fmt.Fprintf(&b, "Entry: `%s`\n", price(sig.Entry))
	fmt.Fprintf(&b, "Stop: `%s`\n", price(sig.Stop))
	fmt.Fprintf(&b, "Target: `%s`\n", price(sig.Target))
	fmt.Fprintf(&b, "Confidence: %s\n", escapeMarkdownV2(fmt.Sprintf("%.0f%%", sig.Confidence*100)))
	if !m.DetectedAt.IsZero() {
		fmt.Fprintf(&b, "📅 Bar: %s\n", escapeMarkdownV2(m.DetectedAt.In(loc).Format("2006-01-02 15:04 MST")))
	}
	return b.String()
}

func price(v float64) string {
	return escapeMarkdownV2(strconv.FormatFloat(v, 'f', 2, 64))
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
