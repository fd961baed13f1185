// Package logx is servidor's structured logger, a thin layer over zerolog.
//
// Console output is human oriented (short timestamp, file:line caller); the
// optional file sink receives JSON lines. Loggers obtained from a Service
// follow Service.Apply, so a config reload changes level and sinks of every
// component at once.
package logx
