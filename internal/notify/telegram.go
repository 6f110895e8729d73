package notify

import (
	"context"
	"os"
	"sync"

	"github.com/mantora/mantora/internal/errors"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type Telegram struct {
	token    string
	chatID   int64
	endpoint string

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram sends to chatID. The bot is created on first use because
// creating it calls getMe.
func NewTelegram(token string, chatID int64, endpoint string) *Telegram {
	if token == "" {
		token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &Telegram{token: token, chatID: chatID, endpoint: endpoint}
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) client() (*tgbotapi.BotAPI, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bot != nil {
		return t.bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.endpoint)
	if err != nil {
		return nil, errors.Transient("telegram bot init failed: " + err.Error())
	}
	t.bot = bot
	return bot, nil
}

func (t *Telegram) Notify(ctx context.Context, p Pending) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bot, err := t.client()
	if err != nil {
		return err
	}
	if _, err := bot.Send(tgbotapi.NewMessage(t.chatID, Message(p))); err != nil {
		return errors.Wrap(err, "failed to send Telegram message")
	}
	return nil
}
