package lifecycle

// StopReason explains why the app is shutting down. It is logged on stop and
// decides the process exit code.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
	// StopRestartRequested means the monitor exhausted its retries and wants a
	// fresh process from the service manager.
	StopRestartRequested StopReason = "restart_requested"
)

// Exit codes returned by cmd/bot.
const (
	ExitOK      = 0
	ExitFatal   = 1
	ExitRestart = 75 // EX_TEMPFAIL; pair with RestartForceExitStatus=75 under systemd
)

// ExitCode maps a stop reason to the process exit status.
func (r StopReason) ExitCode() int {
	switch r {
	case StopRestartRequested:
		return ExitRestart
	case StopFatalError:
		return ExitFatal
	default:
		return ExitOK
	}
}
