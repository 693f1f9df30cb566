package notifications

// Webhook posts run outcomes as JSON to an HTTP endpoint, optionally with basic auth.
type Webhook struct {
	URL      string
	Username string
	Password string
}

// RunOutcome is the payload sent when a launch run reaches a terminal state.
type RunOutcome struct {
	Service        string  `json:"service"`
	RunID          string  `json:"run_id"`
	State          string  `json:"state"`
	ExitCode       int     `json:"exit_code"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Zone           string  `json:"availability_zone"`
	Shape          string  `json:"shape"`
	InstanceID     string  `json:"instance_id,omitempty"`
	InstanceName   string  `json:"instance_name,omitempty"`
	LifecycleState string  `json:"lifecycle_state,omitempty"`
	PublicIP       string  `json:"public_ip,omitempty"`
	ErrorStatus    int     `json:"error_status,omitempty"`
	ErrorCode      string  `json:"error_code,omitempty"`
	Message        string  `json:"message"`
}
