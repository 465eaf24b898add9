// Package logx configures healthwatch's structured logging.
//
// logx.Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Reconfiguration at runtime (config hot reload) without rebuilding loggers
package logx
