package openstack

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/logging"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFlavorJSON = `{"flavor": {"id": "f-4c24g", "name": "a1.flex.4c24g", "vcpus": 4, "ram": 24576, "disk": 50}}`
	testSubnetJSON = `{"subnet": {"id": "subnet-1", "network_id": "net-1", "name": "private", "cidr": "10.0.0.0/24"}}`
)

func testRequest() cloud.LaunchRequest {
	return cloud.LaunchRequest{
		ProjectID:        "project-1",
		AvailabilityZone: "nova",
		ImageID:          "image-1",
		SubnetID:         "subnet-1",
		Shape:            "a1.flex.4c24g",
		OCPUs:            4,
		MemoryGB:         24,
		DisplayName:      "Automated-ARM-Instance",
		SSHPublicKey:     "ssh-ed25519 AAAATEST user@host",
		RunID:            "req-run-1",
	}
}

// newFakeCloud serves the Nova and Neutron routes a launch needs. Handlers can be
// replaced per test through the returned mux.
func newFakeCloud(t *testing.T) (*http.ServeMux, *Client) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /compute/flavors/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "f-4c24g" {
			writeJSON(w, http.StatusNotFound, `{"itemNotFound": {"code": 404, "message": "Flavor could not be found."}}`)
			return
		}
		writeJSON(w, http.StatusOK, testFlavorJSON)
	})
	mux.HandleFunc("GET /compute/flavors/detail", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"flavors": [
			{"id": "f-small", "name": "m1.small", "vcpus": 1, "ram": 2048, "disk": 20},
			{"id": "f-4c24g", "name": "a1.flex.4c24g", "vcpus": 4, "ram": 24576, "disk": 50}
		]}`)
	})
	mux.HandleFunc("GET /network/subnets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "subnet-1" {
			writeJSON(w, http.StatusNotFound, `{"NeutronError": {"type": "SubnetNotFound", "message": "Subnet could not be found.", "detail": ""}}`)
			return
		}
		writeJSON(w, http.StatusOK, testSubnetJSON)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	provider := &gophercloud.ProviderClient{TokenID: "test-token"}
	client := &Client{
		ProfileName: "test",
		RetryConfig: cloud.RetryConfig{
			MaxRetries:       1,
			BaseDelay:        time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			OperationTimeout: 5 * time.Second,
		},
		ComputeClient: &gophercloud.ServiceClient{ProviderClient: provider, Endpoint: srv.URL + "/compute/"},
		NetworkClient: &gophercloud.ServiceClient{ProviderClient: provider, Endpoint: srv.URL + "/network/"},
	}
	return mux, client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Openstack-Request-Id", "req-fake")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func prepare(t *testing.T, client *Client, opts LaunchOptions) *Launcher {
	t.Helper()
	opts.Logger = logging.Discard()
	l, err := client.PrepareLaunch(context.Background(), testRequest(), opts)
	require.NoError(t, err)
	return l
}

func TestPrepareLaunch(t *testing.T) {
	t.Run("Flavor By ID", func(t *testing.T) {
		_, client := newFakeCloud(t)
		req := testRequest()
		req.Shape = "f-4c24g"
		l, err := client.PrepareLaunch(context.Background(), req, LaunchOptions{Logger: logging.Discard()})
		require.NoError(t, err)
		assert.Equal(t, "f-4c24g", l.flavorID)
		assert.Equal(t, "net-1", l.networkID)
	})

	t.Run("Flavor By Name", func(t *testing.T) {
		_, client := newFakeCloud(t)
		l := prepare(t, client, LaunchOptions{})
		assert.Equal(t, "f-4c24g", l.flavorID)
	})

	t.Run("Unknown Flavor", func(t *testing.T) {
		_, client := newFakeCloud(t)
		req := testRequest()
		req.Shape = "x9.huge"
		_, err := client.PrepareLaunch(context.Background(), req, LaunchOptions{Logger: logging.Discard()})
		var serviceErr *cloud.ServiceError
		require.ErrorAs(t, err, &serviceErr)
		assert.Equal(t, http.StatusNotFound, serviceErr.Status)
	})

	t.Run("Sizing Mismatch", func(t *testing.T) {
		_, client := newFakeCloud(t)
		req := testRequest()
		req.OCPUs = 2
		_, err := client.PrepareLaunch(context.Background(), req, LaunchOptions{Logger: logging.Discard()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "vCPUs")
	})

	t.Run("Unknown Subnet", func(t *testing.T) {
		_, client := newFakeCloud(t)
		req := testRequest()
		req.SubnetID = "subnet-missing"
		_, err := client.PrepareLaunch(context.Background(), req, LaunchOptions{Logger: logging.Discard()})
		var serviceErr *cloud.ServiceError
		require.ErrorAs(t, err, &serviceErr)
		assert.Equal(t, http.StatusNotFound, serviceErr.Status)
		assert.Equal(t, "SubnetNotFound", serviceErr.Code)
	})
}

func TestLaunchInstance_Accepted(t *testing.T) {
	mux, client := newFakeCloud(t)

	var body map[string]map[string]any
	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-1", "links": [], "adminPass": "x"}}`)
	})

	l := prepare(t, client, LaunchOptions{})
	instance, err := l.LaunchInstance(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "srv-1", instance.ID)
	assert.Equal(t, "Automated-ARM-Instance", instance.DisplayName)
	assert.Equal(t, "a1.flex.4c24g", instance.Shape)
	assert.Equal(t, "BUILD", instance.LifecycleState)

	server := body["server"]
	assert.Equal(t, "f-4c24g", server["flavorRef"])
	assert.Equal(t, "image-1", server["imageRef"])
	assert.Equal(t, "nova", server["availability_zone"])
	assert.Equal(t, []any{map[string]any{"uuid": "net-1"}}, server["networks"])
	assert.Equal(t, map[string]any{
		"x-launchsentry-managed":    "true",
		"x-launchsentry-run-id":     "req-run-1",
		"x-launchsentry-project-id": "project-1",
	}, server["metadata"])

	userData, err := base64.StdEncoding.DecodeString(server["user_data"].(string))
	require.NoError(t, err)
	assert.Contains(t, string(userData), "#cloud-config")
	assert.Contains(t, string(userData), "ssh-ed25519 AAAATEST user@host")
}

func TestLaunchInstance_ServiceErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "Forbidden",
			status:      http.StatusForbidden,
			body:        `{"forbidden": {"code": 403, "message": "Policy doesn't allow os_compute_api:servers:create to be performed."}}`,
			wantCode:    "forbidden",
			wantMessage: "Policy doesn't allow os_compute_api:servers:create to be performed.",
		},
		{
			name:        "Compute Fault",
			status:      http.StatusInternalServerError,
			body:        `{"computeFault": {"code": 500, "message": "Out of host capacity."}}`,
			wantCode:    "computeFault",
			wantMessage: "Out of host capacity.",
		},
		{
			name:        "Plain Text Body",
			status:      http.StatusBadRequest,
			body:        "Invalid imageRef provided.\n",
			wantCode:    "bad_request",
			wantMessage: "Invalid imageRef provided.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, client := newFakeCloud(t)
			mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			l := prepare(t, client, LaunchOptions{})
			_, err := l.LaunchInstance(context.Background(), testRequest())

			var serviceErr *cloud.ServiceError
			require.ErrorAs(t, err, &serviceErr)
			assert.Equal(t, tt.status, serviceErr.Status)
			assert.Equal(t, tt.wantCode, serviceErr.Code)
			assert.Equal(t, tt.wantMessage, serviceErr.Message)
			assert.Equal(t, "req-fake", serviceErr.RequestID)
		})
	}
}

func TestLaunchInstance_SchedulingFaultDeletesServer(t *testing.T) {
	mux, client := newFakeCloud(t)

	var deleted atomic.Bool
	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-err"}}`)
	})
	mux.HandleFunc("GET /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"server": {"id": "srv-err", "name": "vm", "status": "ERROR",
			"fault": {"code": 500, "message": "No valid host was found. There are not enough hosts available.", "created": "2025-01-01T00:00:00Z"}}}`)
	})
	mux.HandleFunc("DELETE /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		deleted.Store(r.PathValue("id") == "srv-err")
		w.WriteHeader(http.StatusNoContent)
	})

	l := prepare(t, client, LaunchOptions{WaitForActive: true, BuildTimeout: 10 * time.Second})
	_, err := l.LaunchInstance(context.Background(), testRequest())

	var serviceErr *cloud.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusInternalServerError, serviceErr.Status)
	assert.Equal(t, "fault", serviceErr.Code)
	assert.Contains(t, serviceErr.Message, "No valid host")
	assert.True(t, deleted.Load(), "failed server should be deleted")
}

func TestLaunchInstance_ActiveWithPublicIP(t *testing.T) {
	mux, client := newFakeCloud(t)

	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-ok"}}`)
	})
	mux.HandleFunc("GET /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"server": {"id": "srv-ok", "name": "vm", "status": "ACTIVE"}}`)
	})
	mux.HandleFunc("GET /network/ports", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "srv-ok", r.URL.Query().Get("device_id"))
		writeJSON(w, http.StatusOK, `{"ports": [{"id": "port-1", "network_id": "net-1", "device_id": "srv-ok"}]}`)
	})
	mux.HandleFunc("POST /network/floatingips", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ext-net", body["floatingip"]["floating_network_id"])
		assert.Equal(t, "port-1", body["floatingip"]["port_id"])
		writeJSON(w, http.StatusCreated, `{"floatingip": {"id": "fip-1", "floating_ip_address": "203.0.113.10", "port_id": "port-1"}}`)
	})

	req := testRequest()
	req.AssignPublicIP = true
	req.FloatingNetworkID = "ext-net"

	l := prepare(t, client, LaunchOptions{WaitForActive: true, BuildTimeout: 10 * time.Second})
	instance, err := l.LaunchInstance(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "ACTIVE", instance.LifecycleState)
	assert.Equal(t, "203.0.113.10", instance.PublicIP)
}

func TestLaunchInstance_PublicIPFailureKeepsInstance(t *testing.T) {
	mux, client := newFakeCloud(t)

	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-ok"}}`)
	})
	mux.HandleFunc("GET /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"server": {"id": "srv-ok", "status": "ACTIVE"}}`)
	})
	mux.HandleFunc("GET /network/ports", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ports": []}`)
	})

	req := testRequest()
	req.AssignPublicIP = true
	req.FloatingNetworkID = "ext-net"

	l := prepare(t, client, LaunchOptions{WaitForActive: true})
	instance, err := l.LaunchInstance(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "srv-ok", instance.ID)
	assert.Empty(t, instance.PublicIP)
}

func TestLaunchInstance_PublicIPSkippedWithoutBuildWait(t *testing.T) {
	mux, client := newFakeCloud(t)

	var neutronCalls atomic.Int32
	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-build", "status": "BUILD"}}`)
	})
	mux.HandleFunc("GET /network/ports", func(w http.ResponseWriter, r *http.Request) {
		neutronCalls.Add(1)
		writeJSON(w, http.StatusOK, `{"ports": []}`)
	})
	mux.HandleFunc("POST /network/floatingips", func(w http.ResponseWriter, r *http.Request) {
		neutronCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	var logs bytes.Buffer
	l, err := client.PrepareLaunch(context.Background(), testRequest(), LaunchOptions{
		WaitForActive: false,
		Logger:        slog.New(slog.NewTextHandler(&logs, nil)),
	})
	require.NoError(t, err)

	req := testRequest()
	req.AssignPublicIP = true
	req.FloatingNetworkID = "ext-net"

	instance, err := l.LaunchInstance(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "srv-build", instance.ID)
	assert.Empty(t, instance.PublicIP)
	assert.Zero(t, neutronCalls.Load())
	assert.Contains(t, logs.String(), "Skipping public IP assignment; build wait is disabled")
}

func TestLaunchInstance_ServerVanishesDuringBuild(t *testing.T) {
	mux, client := newFakeCloud(t)

	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-gone"}}`)
	})
	mux.HandleFunc("GET /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"itemNotFound": {"code": 404, "message": "Instance srv-gone could not be found."}}`)
	})

	l := prepare(t, client, LaunchOptions{WaitForActive: true, BuildTimeout: 10 * time.Second})
	instance, err := l.LaunchInstance(context.Background(), testRequest())

	var serviceErr *cloud.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, http.StatusNotFound, serviceErr.Status)
	assert.Equal(t, "itemNotFound", serviceErr.Code)
	assert.Empty(t, instance.ID)
}

func TestLaunchInstance_PollingFailureMarksStateUnknown(t *testing.T) {
	mux, client := newFakeCloud(t)

	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-1"}}`)
	})
	mux.HandleFunc("GET /compute/servers/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"badRequest": {"code": 400, "message": "Malformed request."}}`)
	})

	l := prepare(t, client, LaunchOptions{WaitForActive: true, BuildTimeout: 10 * time.Second})
	instance, err := l.LaunchInstance(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "srv-1", instance.ID)
	assert.Equal(t, "UNKNOWN", instance.LifecycleState)
}

func TestLaunchInstance_CancelledContext(t *testing.T) {
	mux, client := newFakeCloud(t)
	mux.HandleFunc("POST /compute/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, `{"server": {"id": "srv-1"}}`)
	})

	l := prepare(t, client, LaunchOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.LaunchInstance(ctx, testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), fmt.Sprintf("got %v", err))
}

func TestRenderUserData_Deterministic(t *testing.T) {
	first, err := renderUserData(testRequest())
	require.NoError(t, err)
	second, err := renderUserData(testRequest())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
