// Package logger wraps log/slog with a process-wide operational logger and a
// separate audit stream. The audit stream is JSON and rotated by lumberjack.
package logger
