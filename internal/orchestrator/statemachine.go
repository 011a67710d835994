package orchestrator

import "time"

// CanTransitionTo reports whether the transition table allows s -> target.
//
//	pending  -> assigned, cancelled
//	assigned -> running, pending (ack timeout), cancelled
//	running  -> completed, failed, cancelled
//	completed, failed, cancelled are terminal
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskAssigned || target == TaskCancelled
	case TaskAssigned:
		return target == TaskRunning || target == TaskPending || target == TaskCancelled
	case TaskRunning:
		return target == TaskCompleted || target == TaskFailed || target == TaskCancelled
	default:
		return false
	}
}

// Transition moves t to the target status after checking the transition
// table, keeping the per-status field invariants in step:
// agent name only while assigned/running, completedAt only when terminal,
// result only on completed and errorMessage only on failed.
// Callers set Result/ErrorMessage/AssignedAgentName after a successful
// transition when the target needs them.
func Transition(t *Task, to TaskStatus, now time.Time) error {
	if !t.Status.CanTransitionTo(to) {
		return &TransitionError{From: t.Status, To: to}
	}

	switch to {
	case TaskPending:
		t.AssignedAgentName = ""
		t.AssignedAt = nil
	case TaskAssigned:
		t.AssignedAt = &now
	case TaskRunning:
		t.StartedAt = &now
	case TaskCompleted, TaskFailed, TaskCancelled:
		t.CompletedAt = &now
		t.AssignedAgentName = ""
	}
	if to != TaskCompleted {
		t.Result = ""
	}
	if to != TaskFailed {
		t.ErrorMessage = ""
	}

	t.Status = to
	t.UpdatedAt = now
	return nil
}
