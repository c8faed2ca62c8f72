package dispatch

import "fmt"

// HandlerError wraps a failure raised by one agent for one event. It is
// recorded against the event and never stops other agents.
type HandlerError struct {
	EventID   string
	AgentName string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("dispatch: agent %s failed on event %s: %v", e.AgentName, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
