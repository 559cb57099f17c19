// Package logx wraps zerolog behind a small structured-logging API.
//
// Components hold a Logger value and derive scoped loggers with With().
// The Service owns the sinks (console, file) and can swap levels and
// outputs at runtime via Apply() without invalidating existing Loggers.
package logx
