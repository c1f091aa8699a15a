package lifecycle

import "fmt"

// ErrRegistrationFailed is returned by StartAgent when the registry
// step itself fails (spec §4.5 "On registration failure ... return
// registration_failed"). The worker is killed before this is returned.
type ErrRegistrationFailed struct{ Cause error }

func (e *ErrRegistrationFailed) Error() string {
	return fmt.Sprintf("lifecycle: registration failed: %v", e.Cause)
}

func (e *ErrRegistrationFailed) Unwrap() error { return e.Cause }

// ErrModuleNotFound is returned by RestartAgent when the controller
// has no record of which agent.Module to reconstruct the worker with
// (the id is registered but was never started through this
// controller).
type ErrModuleNotFound struct{ AgentID string }

func (e *ErrModuleNotFound) Error() string {
	return fmt.Sprintf("lifecycle: no module recorded for agent %s", e.AgentID)
}
