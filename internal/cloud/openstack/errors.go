package openstack

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/tidwall/gjson"
)

// requestIDFromHeader returns the tracing ID OpenStack attaches to every response.
func requestIDFromHeader(h http.Header) string {
	if h == nil {
		return ""
	}
	if id := h.Get("X-Openstack-Request-Id"); id != "" {
		return id
	}
	return h.Get("X-Compute-Request-Id")
}

// toServiceError converts a gophercloud HTTP error into a cloud.ServiceError.
// Errors that are not HTTP responses are returned unchanged.
func toServiceError(err error, requestID string) error {
	var gopherErr gophercloud.ErrUnexpectedResponseCode
	if !errors.As(err, &gopherErr) {
		return err
	}

	code, message := parseFaultBody(gopherErr.Body)
	if code == "" {
		code = strings.ReplaceAll(strings.ToLower(http.StatusText(gopherErr.Actual)), " ", "_")
	}
	if message == "" {
		message = http.StatusText(gopherErr.Actual)
	}
	if id := requestIDFromHeader(gopherErr.ResponseHeader); id != "" {
		requestID = id
	}

	return &cloud.ServiceError{
		Status:    gopherErr.Actual,
		Code:      code,
		Message:   message,
		RequestID: requestID,
	}
}

// parseFaultBody extracts the code and message from an OpenStack error body.
//
// Nova wraps the fault in a single key naming it:
//
//	{"forbidden": {"code": 403, "message": "..."}}
//
// Neutron uses {"NeutronError": {"type": "...", "message": "..."}}. A body that is
// not JSON is used verbatim as the message.
func parseFaultBody(body []byte) (code, message string) {
	if len(body) == 0 {
		return "", ""
	}
	if !gjson.ValidBytes(body) {
		return "", strings.TrimSpace(string(body))
	}

	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() {
			return true
		}
		code = key.String()
		if t := value.Get("type"); t.Exists() && t.String() != "" {
			code = t.String()
		}
		message = value.Get("message").String()
		return false
	})

	if message == "" {
		message = gjson.GetBytes(body, "message").String()
	}
	return code, message
}
