package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gymbook/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Sender is the part of the bot API the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier mirrors booking notifications into the gym's admin chat.
type TelegramNotifier struct {
	bot    Sender
	chatID int64
	logger zerolog.Logger
}

func NewTelegramNotifier(bot Sender, adminChatID int64, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:    bot,
		chatID: adminChatID,
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

// ConnectTelegram authorizes the bot token. Every bot API call is bounded by timeout.
func ConnectTelegram(token string, debug bool, timeout time.Duration) (*tgbotapi.BotAPI, error) {
	client := &http.Client{Timeout: timeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// Notify returns when the message is sent or ctx ends, whichever comes first.
func (n *TelegramNotifier) Notify(ctx context.Context, recipient, subject, body string) error {
	text := fmt.Sprintf("%s\nMember: %s\n\n%s", subject, recipient, body)
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.DisableWebPagePreview = true

	sent := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(msg)
		sent <- err
	}()

	var err error
	select {
	case err = <-sent:
	case <-ctx.Done():
		err = ctx.Err()
	}
	metrics.IncNotification("telegram", err)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	n.logger.Debug().Int64("chat_id", n.chatID).Str("subject", subject).Msg("telegram message sent")
	return nil
}
