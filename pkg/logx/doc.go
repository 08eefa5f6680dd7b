// Package logx configures tasklist's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (YYYY-MM-DD HH:MM:SS timestamp + short caller)
//   - File output JSON-structured
//   - The zero value usable as a silent logger, so diagnostics stay optional
package logx
