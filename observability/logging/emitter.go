package logging

import (
	"log/slog"

	"repoledger/core/events"
	"repoledger/core/types"
)

// Emitter returns an event emitter that writes every ledger event to the
// supplied structured logger at info level.
func Emitter(logger *slog.Logger) events.Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return logEmitter{logger: logger}
}

type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	args := []any{slog.String("event", evt.EventType())}
	if provider, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := provider.Event(); payload != nil {
			for key, value := range payload.Attributes {
				args = append(args, slog.String(key, value))
			}
		}
	}
	l.logger.Info("ledger event", args...)
}
