package policy

import (
	"net/http"
	"strings"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
)

// Classify maps a provider error to an outcome kind.
//
// Capacity is checked first: a message mentioning "capacity" (any case) or a 500
// status is treated as exhausted capacity, even when the status would otherwise be
// a client error. 500 is kept as capacity although it can hide unrelated server
// failures.
func Classify(err *cloud.ServiceError) cloud.OutcomeKind {
	if err == nil {
		return cloud.OutcomeUnexpected
	}

	if IsCapacityError(err) {
		return cloud.OutcomeCapacityExhausted
	}

	switch err.Status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return cloud.OutcomeAuthError
	case http.StatusNotFound:
		return cloud.OutcomeNotFound
	default:
		return cloud.OutcomeServiceError
	}
}

// IsCapacityError reports whether the provider error signals a lack of host capacity.
func IsCapacityError(err *cloud.ServiceError) bool {
	if err == nil {
		return false
	}
	return err.Status == http.StatusInternalServerError ||
		strings.Contains(strings.ToLower(err.Message), "capacity")
}
