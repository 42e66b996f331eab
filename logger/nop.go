package logger

import "github.com/rs/zerolog"

// Nop returns a logger that discards everything. It is used where a Logger
// is required but no output is wanted, such as the package-level Execute
// convenience in fetch.
func Nop() Logger {
	l := zerolog.Nop()
	return &ZeroLogger{zlog: &l}
}
