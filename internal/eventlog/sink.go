package eventlog

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink records outcomes without ever failing the caller. A nil Sink is valid and only drops events.
type Sink struct {
	Client  *Client
	Logger  *zap.Logger
	Timeout time.Duration
}

func NewSink(client *Client, logger *zap.Logger, timeout time.Duration) *Sink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Sink{Client: client, Logger: logger, Timeout: timeout}
}

// Record ships one event in the background.
func (s *Sink) Record(action, level string, details map[string]any) {
	if s == nil || s.Client == nil {
		return
	}
	go s.send(action, level, details)
}

func (s *Sink) send(action, level string, details map[string]any) {
	defer func() {
		if rec := recover(); rec != nil && s.Logger != nil {
			s.Logger.Warn("event log panicked", zap.Any("panic", rec))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	err := s.Client.Send(ctx, Event{
		Action:  action,
		Level:   level,
		Details: details,
	})
	if err != nil && s.Logger != nil {
		s.Logger.Debug("event log send failed", zap.String("action", action), zap.Error(err))
	}
}

func LevelFromStatus(status int) string {
	if status >= 500 {
		return "error"
	}
	if status >= 400 {
		return "warn"
	}
	return "info"
}
