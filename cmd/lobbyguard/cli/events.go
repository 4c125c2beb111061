package cli

import (
	"go.uber.org/zap"

	"github.com/lobbyguard/lobbyguard/internal/supervisor"
)

// eventFields projects a supervisor.Event onto zap fields for the
// console/JSON logger.
func eventFields(ev supervisor.Event) []zap.Field {
	fields := []zap.Field{zap.String("kind", ev.Kind.String())}
	if ev.Pid != 0 {
		fields = append(fields, zap.Uint32("pid", ev.Pid))
	}
	if ev.Err != nil {
		fields = append(fields, zap.Error(ev.Err))
	}
	return fields
}
