// Package logging builds slog loggers with console and JSON output plus typed
// attribute helpers shared by every loop.
//
// The console handler writes one line per record with a flattened key=value
// tail and colors level labels when stdout is a terminal. Use WithContext to
// pick up the active autograb spec from a context.
package logging
