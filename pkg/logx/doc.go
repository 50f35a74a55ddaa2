// Package logx provides a small structured logging facade over zerolog with
// runtime-reconfigurable sinks (console, file).
//
// The zero Logger value is a safe no-op, so components can log before wiring
// is complete.
package logx
