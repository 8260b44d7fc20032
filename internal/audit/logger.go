package audit

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"
)

// Logger records user actions in the action log. Writes are best-effort:
// an audit failure is logged and swallowed, never surfaced to the request.
type Logger struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewLogger(db *sql.DB, logger *slog.Logger) *Logger {
	return &Logger{db: db, logger: logger}
}

func (l *Logger) Log(ctx context.Context, action, userID, details, ip, userAgent string) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO action_logs (id, action, user_id, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), action, userID, details, ip, userAgent)
	if err != nil {
		l.logger.Error("failed to write audit entry", "error", err, "action", action, "user_id", userID)
	}
}
