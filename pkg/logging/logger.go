package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// callerSkipFrames reports the line that called Infof and friends, not this file
const callerSkipFrames = 3

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// InitLogging initializes logging. Debug mode writes human-readable console
// output, any other mode writes JSON lines.
func InitLogging(level, mode string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if mode == "debug" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(lvl).With().Timestamp().CallerWithSkipFrameCount(callerSkipFrames).Logger()
		return
	}
	logger = zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	logger.Debug().Msgf(format, v...)
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	logger.Info().Msgf(format, v...)
}

// Warnf logs warning level messages
func Warnf(format string, v ...interface{}) {
	logger.Warn().Msgf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	logger.Error().Msgf(format, v...)
}
