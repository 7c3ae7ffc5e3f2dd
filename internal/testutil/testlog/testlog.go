package testlog

import (
	"testing"

	"github.com/danmuck/threadlock/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test start")
}

// Logf writes a debug trace line from inside a test.
func Logf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
