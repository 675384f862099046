package download

import "fmt"

// InvalidTransitionError is returned when a command is rejected because the
// record is not in a state that permits it. The caller may retry after
// observing the current state.
type InvalidTransitionError struct {
	Command string // the rejected command ("pause", "resume", ...)
	State   State  // the record state at the time of rejection
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("command %q is not valid while the download is %q", e.Command, e.State)
}

// NotFoundError is returned when an operation references a record id that
// does not exist or was already dismissed.
type NotFoundError struct {
	ID int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("download %d not found", e.ID)
}

// InvalidStateError is returned when an external state filter does not name
// a known lifecycle state.
type InvalidStateError struct {
	Value string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("unknown download state %q", e.Value)
}
