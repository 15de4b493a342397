// Package logging provides the structured logger used across the trainer,
// built on log/slog.
package logging
