// Package logging provides structured logging for conveyord.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, goal.id, run.id, request.id)
//   - Config-driven level, format and constant fields
//
// # Usage
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx := logging.WithGoalID(ctx, goal.ID)
//	logger.Info(ctx, "gate transition", zap.String("to", "pr_open"))
//
// Output includes automatic correlation:
//
//	{
//	  "ts": "2026-08-23T10:15:30Z",
//	  "level": "info",
//	  "msg": "gate transition",
//	  "trace_id": "abc123",
//	  "goal.id": "6f1c...",
//	  "to": "pr_open"
//	}
//
// # Testing
//
// Use TestLogger for assertions:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message", zap.String("key", "value"))
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
//
// # Concurrency Safety
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
