package schema

// Event type constants for the audit log. Checkpoints are the source of
// truth for resume; events exist for observability and audit.
const (
	EventWorkflowLaunched  = "workflow.launched"
	EventWorkflowStarted   = "workflow.started"
	EventWorkflowPaused    = "workflow.paused"
	EventWorkflowResumed   = "workflow.resumed"
	EventWorkflowCompleted = "workflow.completed"
	EventWorkflowFailed    = "workflow.failed"
	EventWorkflowCancelled = "workflow.cancelled"

	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"
	EventStepRetrying  = "step.retrying"

	EventRecoveryStrategy    = "recovery.strategy"
	EventCompensationStarted = "compensation.started"
	EventCompensationDone    = "compensation.done"
	EventCompensationFailed  = "compensation.failed"
)
