// Package logging configures structured logging on log/slog.
//
// New builds a *slog.Logger from configuration. Its handler adds the
// connection id, host and upstream stored in a context by WithConnID,
// WithHost and WithTarget, so data-plane code can log with
// logger.InfoContext(ctx, ...) and get per-connection fields for free.
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json", Writer: f})
//	ctx = logging.WithConnID(ctx, id)
//	logger.WarnContext(ctx, "upstream refused", "target", target)
package logging
