package eventbus

// Event types published by mailcast components.
const (
	TriggerRegistered = "trigger.registered"
	TriggerCancelled  = "trigger.cancelled"
	TriggerFired      = "trigger.fired"

	DispatchStarted  = "dispatch.started"
	DispatchAttempt  = "dispatch.attempt"
	DispatchFinished = "dispatch.finished"

	TaskStarted  = "task.started"
	TaskFailed   = "task.failed"
	TaskFinished = "task.finished"
	TaskDropped  = "task.dropped"

	ConfigReloaded = "config.reloaded"
)
