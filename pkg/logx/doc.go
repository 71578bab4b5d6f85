// Package logx configures nudge's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Levels adjustable at runtime (config reload, settings modules)
package logx
