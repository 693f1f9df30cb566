package openstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"
	"gopkg.in/yaml.v3"
)

const (
	statusActive = "ACTIVE"
	statusError  = "ERROR"
	statusBuild  = "BUILD"

	// statusUnknown marks an accepted server whose build state could not be read.
	statusUnknown = "UNKNOWN"

	cleanupTimeout = 30 * time.Second
)

// LaunchOptions controls what happens after Nova accepts a launch.
type LaunchOptions struct {
	// WaitForActive polls the server until it leaves BUILD. Scheduling failures such as
	// "No valid host was found" only surface this way.
	WaitForActive bool
	// BuildTimeout bounds the wait. On timeout the launch is still reported as accepted.
	BuildTimeout time.Duration
	Logger       *slog.Logger
}

// Launcher submits single launch attempts. It holds identifiers resolved once by
// PrepareLaunch so every attempt sends the same payload.
type Launcher struct {
	compute   *gophercloud.ServiceClient
	network   *gophercloud.ServiceClient
	flavorID  string
	networkID string
	opts      LaunchOptions
	logger    *slog.Logger
}

// PrepareLaunch resolves the flavor and network for req and verifies the flavor sizing.
//
// Behavior:
//   - Flavor: req.Shape is tried as a flavor ID first, then matched by name.
//   - Sizing: when req.OCPUs or req.MemoryGB are set they must match the flavor's VCPUs and RAM.
//   - Network: the network owning req.SubnetID is attached to the server.
//
// Transient failures are retried; a missing flavor or subnet is returned as a 404
// cloud.ServiceError.
func (c *Client) PrepareLaunch(ctx context.Context, req cloud.LaunchRequest, opts LaunchOptions) (*Launcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var flavor *flavors.Flavor
	err := c.executeWithRetry(ctx, "ResolveFlavor", func(ctx context.Context) error {
		f, err := c.resolveFlavor(ctx, req.Shape)
		if err != nil {
			return err
		}
		flavor = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve shape %q: %w", req.Shape, err)
	}

	if req.OCPUs > 0 && flavor.VCPUs != req.OCPUs {
		return nil, fmt.Errorf("shape %q provides %d vCPUs, requested %d", req.Shape, flavor.VCPUs, req.OCPUs)
	}
	if req.MemoryGB > 0 && flavor.RAM != req.MemoryGB*1024 {
		return nil, fmt.Errorf("shape %q provides %d MB of memory, requested %d GB", req.Shape, flavor.RAM, req.MemoryGB)
	}

	var networkID string
	err = c.executeWithRetry(ctx, "ResolveSubnet", func(ctx context.Context) error {
		subnet, err := subnets.Get(ctx, c.NetworkClient, req.SubnetID).Extract()
		if err != nil {
			return toServiceError(err, "")
		}
		networkID = subnet.NetworkID
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subnet %q: %w", req.SubnetID, err)
	}

	logger.Debug("Launch target resolved",
		"flavor_id", flavor.ID,
		"flavor_name", flavor.Name,
		"vcpus", flavor.VCPUs,
		"ram_mb", flavor.RAM,
		"network_id", networkID)

	return &Launcher{
		compute:   c.ComputeClient,
		network:   c.NetworkClient,
		flavorID:  flavor.ID,
		networkID: networkID,
		opts:      opts,
		logger:    logger,
	}, nil
}

func (c *Client) resolveFlavor(ctx context.Context, shape string) (*flavors.Flavor, error) {
	flavor, err := flavors.Get(ctx, c.ComputeClient, shape).Extract()
	if err == nil {
		return flavor, nil
	}
	if !gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return nil, toServiceError(err, "")
	}

	pages, err := flavors.ListDetail(c.ComputeClient, flavors.ListOpts{AccessType: flavors.AllAccess}).AllPages(ctx)
	if err != nil {
		return nil, toServiceError(err, "")
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].Name == shape {
			return &all[i], nil
		}
	}

	return nil, &cloud.ServiceError{
		Status:  http.StatusNotFound,
		Code:    "itemNotFound",
		Message: fmt.Sprintf("Flavor %s could not be found.", shape),
	}
}

// LaunchInstance submits exactly one launch for req.
//
// Returns:
//   - Instance: the accepted server. LifecycleState is BUILD unless WaitForActive is set.
//   - Error: a *cloud.ServiceError for API rejections and scheduling faults, the context
//     error when cancelled, or a plain error for anything else.
func (l *Launcher) LaunchInstance(ctx context.Context, req cloud.LaunchRequest) (cloud.Instance, error) {
	userData, err := renderUserData(req)
	if err != nil {
		return cloud.Instance{}, err
	}

	opts := servers.CreateOpts{
		Name:             req.DisplayName,
		ImageRef:         req.ImageID,
		FlavorRef:        l.flavorID,
		AvailabilityZone: req.AvailabilityZone,
		Networks:         []servers.Network{{UUID: l.networkID}},
		UserData:         userData,
		Metadata:         instanceMetadata(req),
	}

	result := servers.Create(ctx, l.compute, opts, nil)
	requestID := requestIDFromHeader(result.Header)

	server, err := result.Extract()
	if err != nil {
		return cloud.Instance{}, toServiceError(err, requestID)
	}

	instance := cloud.Instance{
		ID:               server.ID,
		DisplayName:      req.DisplayName,
		Shape:            req.Shape,
		LifecycleState:   statusBuild,
		AvailabilityZone: req.AvailabilityZone,
	}
	if server.Status != "" {
		instance.LifecycleState = server.Status
	}

	l.logger.Debug("Launch request accepted", "instance_id", server.ID, "request_id", requestID)

	if !l.opts.WaitForActive {
		if req.AssignPublicIP {
			l.logger.Warn("Skipping public IP assignment; build wait is disabled",
				"instance_id", instance.ID, "state", instance.LifecycleState)
		}
		return instance, nil
	}

	instance, err = l.waitForBuild(ctx, instance, requestID)
	if err != nil {
		return cloud.Instance{}, err
	}

	if req.AssignPublicIP {
		if instance.LifecycleState != statusActive {
			l.logger.Warn("Skipping public IP assignment; instance is not active",
				"instance_id", instance.ID, "state", instance.LifecycleState)
			return instance, nil
		}
		ip, err := l.assignFloatingIP(ctx, instance.ID, req.FloatingNetworkID)
		if err != nil {
			l.logger.Warn("Public IP assignment failed; instance is running without one",
				"instance_id", instance.ID, "error", err)
			return instance, nil
		}
		instance.PublicIP = ip
	}

	return instance, nil
}

// waitForBuild polls the server until it is ACTIVE or ERROR.
// A server that lands in ERROR is deleted and its fault is returned as a ServiceError.
func (l *Launcher) waitForBuild(ctx context.Context, instance cloud.Instance, requestID string) (cloud.Instance, error) {
	waitCtx := ctx
	if l.opts.BuildTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.opts.BuildTimeout)
		defer cancel()
	}

	var current *servers.Server
	err := gophercloud.WaitFor(waitCtx, func(ctx context.Context) (bool, error) {
		s, err := servers.Get(ctx, l.compute, instance.ID).Extract()
		if err != nil {
			return false, err
		}
		current = s
		return s.Status == statusActive || s.Status == statusError, nil
	})

	if err != nil {
		if ctx.Err() != nil {
			l.logger.Warn("Interrupted while waiting for build; instance may still be provisioning",
				"instance_id", instance.ID)
			return cloud.Instance{}, fmt.Errorf("waiting for instance %s: %w", instance.ID, ctx.Err())
		}
		if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
			l.logger.Error("Instance disappeared while waiting for build", "instance_id", instance.ID)
			return cloud.Instance{}, toServiceError(err, requestID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			if current != nil {
				instance.LifecycleState = current.Status
			}
			l.logger.Warn("Build wait timed out; reporting launch as accepted",
				"instance_id", instance.ID, "state", instance.LifecycleState, "build_timeout", l.opts.BuildTimeout)
			return instance, nil
		}
		instance.LifecycleState = statusUnknown
		l.logger.Warn("Build status polling failed; reporting launch as accepted",
			"instance_id", instance.ID, "error", err)
		return instance, nil
	}

	instance.LifecycleState = current.Status
	if current.Status != statusError {
		return instance, nil
	}

	l.deleteFailedServer(ctx, instance.ID)

	status := current.Fault.Code
	if status == 0 {
		status = http.StatusInternalServerError
	}
	message := current.Fault.Message
	if message == "" {
		message = "instance entered ERROR state"
	}
	return cloud.Instance{}, &cloud.ServiceError{
		Status:    status,
		Code:      "fault",
		Message:   message,
		RequestID: requestID,
	}
}

// deleteFailedServer removes a server that failed to build so the next attempt
// does not collide with it on name or quota.
func (l *Launcher) deleteFailedServer(ctx context.Context, serverID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := servers.Delete(cleanupCtx, l.compute, serverID).ExtractErr(); err != nil {
		l.logger.Error("Failed server cleanup failed; manual intervention required",
			"instance_id", serverID, "error", err)
		return
	}
	l.logger.Info("Failed server cleaned up", "instance_id", serverID)
}

func (l *Launcher) assignFloatingIP(ctx context.Context, serverID, floatingNetworkID string) (string, error) {
	pages, err := ports.List(l.network, ports.ListOpts{DeviceID: serverID}).AllPages(ctx)
	if err != nil {
		return "", fmt.Errorf("listing ports: %w", err)
	}
	serverPorts, err := ports.ExtractPorts(pages)
	if err != nil {
		return "", fmt.Errorf("extracting ports: %w", err)
	}
	if len(serverPorts) == 0 {
		return "", fmt.Errorf("no ports attached to instance %s", serverID)
	}

	fip, err := floatingips.Create(ctx, l.network, floatingips.CreateOpts{
		FloatingNetworkID: floatingNetworkID,
		PortID:            serverPorts[0].ID,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("creating floating IP: %w", toServiceError(err, ""))
	}
	return fip.FloatingIP, nil
}

type cloudInit struct {
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys"`
}

// renderUserData produces the cloud-init document that installs the SSH key.
// The output is deterministic for a given request.
func renderUserData(req cloud.LaunchRequest) ([]byte, error) {
	body, err := yaml.Marshal(cloudInit{SSHAuthorizedKeys: []string{req.SSHPublicKey}})
	if err != nil {
		return nil, fmt.Errorf("rendering cloud-init user data: %w", err)
	}
	return append([]byte("#cloud-config\n"), body...), nil
}

func instanceMetadata(req cloud.LaunchRequest) map[string]string {
	meta := map[string]string{
		"x-launchsentry-managed": "true",
	}
	if req.RunID != "" {
		meta["x-launchsentry-run-id"] = req.RunID
	}
	if req.ProjectID != "" {
		meta["x-launchsentry-project-id"] = req.ProjectID
	}
	return meta
}
