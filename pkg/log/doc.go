// Package log provides structured logging for fairedge built on zerolog.
// Call Init once at startup, then derive component loggers with
// WithComponent; the scheduler, monitor and server each log under their
// own component name.
package log
