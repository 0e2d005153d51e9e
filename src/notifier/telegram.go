package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	logger "github.com/sirupsen/logrus"

	"hedgebot/src/config"
)

// Notifier delivers operator-facing messages. Failures are logged and never
// propagate to callers.
type Notifier interface {
	Send(ctx context.Context, msg string)
}

// Telegram posts messages to a chat via the Bot API.
type Telegram struct {
	enabled   bool
	token     string
	chatID    string
	heartbeat time.Duration
	http      *resty.Client
}

func NewTelegram(cfg config.TelegramConfig) *Telegram {
	return &Telegram{
		enabled:   cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		token:     cfg.BotToken,
		chatID:    cfg.ChatID,
		heartbeat: cfg.Heartbeat,
		http: resty.New().
			SetBaseURL("https://api.telegram.org").
			SetTimeout(10 * time.Second),
	}
}

func (t *Telegram) Send(ctx context.Context, msg string) {
	if !t.enabled {
		return
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": t.chatID, "text": msg}).
		Post(fmt.Sprintf("/bot%s/sendMessage", t.token))
	if err != nil {
		logger.WithError(err).Warn("telegram send failed")
		return
	}
	if resp.StatusCode() != 200 {
		logger.WithField("status", resp.StatusCode()).Warn("telegram send failed")
	}
}

// RunHeartbeat posts a liveness message on the configured interval until ctx
// is cancelled.
func (t *Telegram) RunHeartbeat(ctx context.Context, status func() string) {
	if !t.enabled || t.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Send(ctx, status())
		}
	}
}

// Nop discards everything; used when telegram is disabled and in tests.
type Nop struct{}

func (Nop) Send(context.Context, string) {}
