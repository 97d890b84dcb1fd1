// Package logx configures courtbot's structured process logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional chat sink (min-level + rate limiting) for operators
//
// Per-session race logs are NOT written here; they live in the session's
// own bounded log ring (see internal/session). Engines mirror them here at
// debug level.
package logx
