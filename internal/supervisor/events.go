package supervisor

import (
	"github.com/thejerf/suture/v4"

	"printlog/internal/logging"
)

// logEvent routes suture lifecycle events to the process logger.
func logEvent(e suture.Event) {
	switch ev := e.(type) {
	case suture.EventServicePanic:
		logging.Error().Str("supervisor", ev.SupervisorName).Str("service", ev.ServiceName).
			Str("panic", ev.PanicMsg).Str("stacktrace", ev.Stacktrace).
			Float64("failures", ev.CurrentFailures).Bool("restarting", ev.Restarting).
			Msg("service panicked")
	case suture.EventServiceTerminate:
		logging.Warn().Str("supervisor", ev.SupervisorName).Str("service", ev.ServiceName).
			Interface("error", ev.Err).Float64("failures", ev.CurrentFailures).
			Bool("restarting", ev.Restarting).Msg("service terminated")
	case suture.EventBackoff:
		logging.Warn().Str("supervisor", ev.SupervisorName).Msg("supervisor entering backoff")
	case suture.EventResume:
		logging.Info().Str("supervisor", ev.SupervisorName).Msg("supervisor resumed")
	case suture.EventStopTimeout:
		logging.Error().Str("supervisor", ev.SupervisorName).Str("service", ev.ServiceName).
			Msg("service did not stop in time")
	default:
		logging.Debug().Fields(e.Map()).Msg(e.String())
	}
}
