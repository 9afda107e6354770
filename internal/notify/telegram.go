package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// telegramMaxRunes is the Bot API limit for one text message.
const telegramMaxRunes = 4096

// TelegramConfig configures TelegramNotifier.
type TelegramConfig struct {
	Token string
	// DefaultChatID receives messages for users whose id is not a chat id.
	DefaultChatID int64
	// APIURL overrides the Bot API endpoint.
	APIURL string
}

// TelegramNotifier sends messages through the Telegram Bot API. User ids that
// parse as integers are used as chat ids.
type TelegramNotifier struct {
	bot         *tele.Bot
	defaultChat int64
}

func NewTelegramNotifier(cfg TelegramConfig) (*TelegramNotifier, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, defaultChat: cfg.DefaultChatID}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, userID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := t.chatFor(userID)
	if err != nil {
		return err
	}
	if r := []rune(text); len(r) > telegramMaxRunes {
		text = string(r[:telegramMaxRunes-1]) + "…"
	}
	if _, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (t *TelegramNotifier) chatFor(userID string) (int64, error) {
	if id, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64); err == nil && id != 0 {
		return id, nil
	}
	if t.defaultChat != 0 {
		return t.defaultChat, nil
	}
	return 0, fmt.Errorf("no telegram chat for user %q", userID)
}
