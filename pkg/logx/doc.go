// Package logx configures streambot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, with daily rotation and pruning
//   - An optional Telegram log-chat sink (min-level + rate limiting)
package logx
