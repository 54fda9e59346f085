package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger returns the global logger tagged with the station callsign.
func Logger(station string) zerolog.Logger {
	return log.Logger.With().Str("station", station).Logger()
}
