// Package logx configures clickd's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output
// readable (short timestamp, short caller), file output JSON-structured,
// and feeds an optional in-memory ring so the control plane can serve a
// recent log tail without touching disk. Apply reshapes the whole
// pipeline in place on config reloads.
package logx
