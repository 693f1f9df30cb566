package openstack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/utils/v2/openstack/clientconfig"
)

// Client manages the connection and service clients for OpenStack interactions.
// It wraps standard gophercloud clients with retry logic and profile management.
type Client struct {
	// ProfileName corresponds to the entry in clouds.yaml
	ProfileName string
	// RetryConfig applies to authentication and lookups, not to launches.
	RetryConfig cloud.RetryConfig

	ComputeClient *gophercloud.ServiceClient
	NetworkClient *gophercloud.ServiceClient
}

func (c *Client) executeWithRetry(ctx context.Context, opName string, operation func(ctx context.Context) error) error {
	return ExecuteAction(ctx, c.RetryConfig, opName, operation)
}

// GetCloudProviderName returns the identifier for this provider.
func (c *Client) GetCloudProviderName() string {
	return "openstack"
}

// NewClient authenticates with the configured profile and initializes the Compute (Nova)
// and Networking (Neutron) clients.
func (c *Client) NewClient(ctx context.Context) error {
	slog.Debug("Initializing OpenStack client", "profile", c.ProfileName)

	opts := &clientconfig.ClientOpts{
		Cloud: c.ProfileName,
	}

	var provider *gophercloud.ProviderClient
	err := c.executeWithRetry(ctx, "OpenStack Authentication", func(ctx context.Context) error {
		p, err := clientconfig.AuthenticatedClient(ctx, opts)
		if err != nil {
			return err
		}
		provider = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("authentication failed for profile '%s': %w", c.ProfileName, toServiceError(err, ""))
	}

	cloudConfig, err := clientconfig.GetCloudFromYAML(opts)
	if err != nil {
		return fmt.Errorf("failed to parse cloud config: %w", err)
	}

	var availability gophercloud.Availability
	switch cloudConfig.EndpointType {
	case "internal":
		availability = gophercloud.AvailabilityInternal
	case "admin":
		availability = gophercloud.AvailabilityAdmin
	default:
		availability = gophercloud.AvailabilityPublic
	}

	endpointOpts := gophercloud.EndpointOpts{
		Availability: availability,
		Region:       cloudConfig.RegionName,
	}

	compute, err := openstack.NewComputeV2(provider, endpointOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize Compute v2 client: %w", err)
	}

	network, err := openstack.NewNetworkV2(provider, endpointOpts)
	if err != nil {
		return fmt.Errorf("failed to initialize Network v2 client: %w", err)
	}

	c.ComputeClient = compute
	c.NetworkClient = network

	return nil
}
