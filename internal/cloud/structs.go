package cloud

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// RetryConfig defines the parameters for the exponential backoff used around
// provider calls that are safe to repeat (authentication, flavor and network lookups).
// The instance launch itself is never retried here; that loop belongs to the workflow.
type RetryConfig struct {
	// MaxRetries is the maximum number of additional attempts after the initial failure.
	MaxRetries int

	// BaseDelay is the initial wait time before the first retry (BaseDelay * 2^attempt).
	BaseDelay time.Duration

	// MaxDelay caps a single sleep between retries.
	MaxDelay time.Duration

	// OperationTimeout is the total time limit for the operation including all retries.
	OperationTimeout time.Duration
}

// LaunchRequest is the full description of the instance to launch.
//
// It only holds scalar fields so that copying the value produces an independent,
// identical payload. The retry loop relies on this to submit the same request on
// every attempt.
type LaunchRequest struct {
	ProjectID         string
	AvailabilityZone  string
	ImageID           string
	SubnetID          string
	Shape             string
	OCPUs             int
	MemoryGB          int
	DisplayName       string
	SSHPublicKey      string
	AssignPublicIP    bool
	FloatingNetworkID string
	RunID             string
}

// Fingerprint returns a stable digest of the request payload.
func (r LaunchRequest) Fingerprint() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%q|%q|%q|%q|%q|%d|%d|%q|%q|%t|%q|%q",
		r.ProjectID, r.AvailabilityZone, r.ImageID, r.SubnetID, r.Shape,
		r.OCPUs, r.MemoryGB, r.DisplayName, r.SSHPublicKey,
		r.AssignPublicIP, r.FloatingNetworkID, r.RunID)))
	return hex.EncodeToString(sum[:8])
}

// Instance describes a launched server as reported by the provider.
type Instance struct {
	ID               string
	DisplayName      string
	Shape            string
	LifecycleState   string
	AvailabilityZone string
	PublicIP         string
}

// ServiceError is a structured error returned by the provider API.
type ServiceError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *ServiceError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("service error %d (%s): %s [request_id=%s]", e.Status, e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("service error %d (%s): %s", e.Status, e.Code, e.Message)
}
