package event

// Intent is a request from the controlling side to the runtime.
// Variants are a sealed set so dispatch switches stay exhaustive.
type Intent interface {
	isIntent()
}

// ExecCommand asks the runtime to execute a free-text command.
type ExecCommand struct {
	CorrelationID string
	Command       string
}

// Cancel tree-kills the process behind a correlation id and rejects any
// permission request pending for the same logical command.
type Cancel struct {
	TargetCorrelationID string
}

// GrantPermission resolves a parked permission request as approved.
type GrantPermission struct {
	RequestID string
}

// DenyPermission resolves a parked permission request as rejected.
type DenyPermission struct {
	RequestID string
}

// Reset returns the workflow to its initial state.
type Reset struct{}

// PhaseIntent forwards a named phase transition to the workflow machine.
type PhaseIntent struct {
	Name string
}

func (ExecCommand) isIntent()     {}
func (Cancel) isIntent()          {}
func (GrantPermission) isIntent() {}
func (DenyPermission) isIntent()  {}
func (Reset) isIntent()           {}
func (PhaseIntent) isIntent()     {}
