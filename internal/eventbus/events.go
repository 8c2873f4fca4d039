package eventbus

// Event types published by streambot components.
const (
	MonitorLive     = "monitor.live"
	MonitorOffline  = "monitor.offline"
	MonitorTick     = "monitor.tick"
	MonitorRecovery = "monitor.recovery"

	NotifierQueued  = "notifier.queued"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
	NotifierDropped = "notifier.dropped"

	LogRotated = "logs.rotated"
)
