package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const telegramTextLimit = 4000

// TelegramSender delivers messages through the Bot API. Send-only: no
// poller is attached and no updates are consumed.
type TelegramSender struct {
	bot   *tele.Bot
	token string
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, redactToken(err, token)
	}
	return &TelegramSender{bot: bot, token: token}, nil
}

func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	// One-liners normally fit; clamp pathological error strings.
	if rs := []rune(text); len(rs) > telegramTextLimit {
		text = string(rs[:telegramTextLimit-1]) + "…"
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return redactToken(err, t.token)
}

// redactToken scrubs the bot token from errors before they reach any
// log line; transport failures embed the full request URL.
func redactToken(err error, token string) error {
	if err == nil || token == "" {
		return err
	}
	msg := err.Error()
	if !strings.Contains(msg, token) {
		return err
	}
	return errors.New(strings.ReplaceAll(msg, token, "<token>"))
}
