package zerolog

import (
	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/rs/zerolog"
)

// zerolog implementation of gbus.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ gbus.Logger = (*Logger)(nil)

// New returns a Logger whose entries carry the given component name.
func New(l zerolog.Logger, component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
