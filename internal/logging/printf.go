package logging

import "github.com/rs/zerolog/log"

// Printf-style helpers for lifecycle lines ("pkg.Type.method key=value ...").

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Logf writes at debug level; tests use it to narrate what they verified.
func Logf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
