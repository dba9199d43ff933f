// Package notification delivers operational notices to the operator channel.
// Delivery is best effort: a failed send is logged and dropped, never
// retried, and never blocks an engine cycle.
package notification

import (
	"context"

	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

// Sender delivers a single message to one channel.
type Sender interface {
	Send(ctx context.Context, message string) error
}

// Manager fans a notice out to every configured sender.
type Manager struct {
	senders []Sender
	logger  zerolog.Logger
}

// NewManager builds a manager from configuration. With notifications disabled
// or no channel configured it still works, it just has nowhere to send.
func NewManager(cfg config.NotificationConfig, logger zerolog.Logger) *Manager {
	m := &Manager{logger: logger}
	if !cfg.Enabled {
		return m
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m.senders = append(m.senders, NewTelegramSender(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	return m
}

// Notify sends the message to all channels, logging failures.
func (m *Manager) Notify(ctx context.Context, message string) {
	for _, s := range m.senders {
		if err := s.Send(ctx, message); err != nil {
			m.logger.Warn().Err(err).Msg("notification send failed")
		}
	}
}
