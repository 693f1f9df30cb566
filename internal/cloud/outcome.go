package cloud

// OutcomeKind tags the result of a single launch attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeCapacityExhausted
	OutcomeAuthError
	OutcomeNotFound
	OutcomeServiceError
	OutcomeUnexpected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeCapacityExhausted:
		return "capacity_exhausted"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeServiceError:
		return "service_error"
	case OutcomeUnexpected:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

// Retryable reports whether the controller should wait and attempt again.
func (k OutcomeKind) Retryable() bool {
	return k == OutcomeCapacityExhausted
}

// Outcome is the classified result of one launch attempt.
// Instance is set only for OutcomeSuccess, Err for everything else.
type Outcome struct {
	Kind     OutcomeKind
	Instance Instance
	Err      error
}
