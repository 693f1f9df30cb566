package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gophercloud/utils/v2/openstack/clientconfig"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/cloud"
	"github.com/aravindh-murugesan/openstack-launchsentry-go/internal/policy"
)

// EnvPrefix is prepended to every environment override (LAUNCHSENTRY_MAX_ATTEMPTS, ...).
const EnvPrefix = "LAUNCHSENTRY"

// Compiled-in target. A run with no config file, no environment and no flags uses
// exactly these values.
const (
	DefaultCloud             = "openstack"
	DefaultProjectID         = "9a3f6c2e4b1d4e7f8a0b5c6d7e8f9a0b"
	DefaultAvailabilityZone  = "nova"
	DefaultImageID           = "2d1f8c4a-6b3e-4f5a-9c7d-8e0f1a2b3c4d"
	DefaultSubnetID          = "7e5d3c1b-9a8f-4e6d-b2c0-1f3e5d7c9b0a"
	DefaultShape             = "a1.flex.4c24g"
	DefaultOCPUs             = 4
	DefaultMemoryGB          = 24
	DefaultDisplayName       = "Automated-ARM-Instance"
	DefaultSSHPublicKey      = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIHq0mQ7bXv2pD1m7ZzJ4kR3cV9sTnW8yL5uE6aF2gH1j launchsentry"
	DefaultMaxAttempts       = 500
	DefaultShortWaitMin      = 180 * time.Second
	DefaultShortWaitMax      = 240 * time.Second
	DefaultLongWaitMin       = 240 * time.Second
	DefaultLongWaitMax       = 360 * time.Second
	DefaultShortProbability  = 0.75
	DefaultBuildTimeout      = 10 * time.Minute
	DefaultLogFile           = "launchsentry.log"
	DefaultLockFile          = ".launchsentry.lock"
	DefaultLogLevel          = "info"
)

// Config is the immutable description of a run. It is built once at startup and
// passed by value; nothing reads process-wide state after Load returns.
type Config struct {
	Cloud      string `mapstructure:"cloud" validate:"required"`
	CloudsFile string `mapstructure:"clouds_file"`

	ProjectID         string `mapstructure:"project_id"`
	AvailabilityZone  string `mapstructure:"availability_zone" validate:"required"`
	ImageID           string `mapstructure:"image_id" validate:"required"`
	SubnetID          string `mapstructure:"subnet_id" validate:"required"`
	SSHPublicKey      string `mapstructure:"ssh_public_key" validate:"required,startswith=ssh-|startswith=ecdsa-"`
	Shape             string `mapstructure:"shape" validate:"required"`
	OCPUs             int    `mapstructure:"ocpus" validate:"gte=0"`
	MemoryGB          int    `mapstructure:"memory_gb" validate:"gte=0"`
	DisplayName       string `mapstructure:"display_name" validate:"required,max=255"`
	AssignPublicIP    bool   `mapstructure:"assign_public_ip"`
	FloatingNetworkID string `mapstructure:"floating_network_id" validate:"required_if=AssignPublicIP true"`

	WaitForActive bool          `mapstructure:"wait_for_active" validate:"required_if=AssignPublicIP true"`
	BuildTimeout  time.Duration `mapstructure:"build_timeout" validate:"gte=0"`

	MaxAttempts          int           `mapstructure:"max_attempts" validate:"gte=1"`
	ShortWaitMin         time.Duration `mapstructure:"short_wait_min" validate:"gte=0"`
	ShortWaitMax         time.Duration `mapstructure:"short_wait_max" validate:"gtefield=ShortWaitMin"`
	LongWaitMin          time.Duration `mapstructure:"long_wait_min" validate:"gte=0"`
	LongWaitMax          time.Duration `mapstructure:"long_wait_max" validate:"gtefield=LongWaitMin"`
	ShortWaitProbability float64       `mapstructure:"short_wait_probability" validate:"gte=0,lte=1"`

	LogLevel        string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile         string `mapstructure:"log_file"`
	WebhookURL      string `mapstructure:"webhook_url" validate:"omitempty,url"`
	WebhookUsername string `mapstructure:"webhook_username"`
	WebhookPassword string `mapstructure:"webhook_password"`
	MetricsFile     string `mapstructure:"metrics_file"`
	LockFile        string `mapstructure:"lock_file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SetDefaults registers the compiled-in values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("cloud", DefaultCloud)
	v.SetDefault("clouds_file", "")
	v.SetDefault("project_id", DefaultProjectID)
	v.SetDefault("availability_zone", DefaultAvailabilityZone)
	v.SetDefault("image_id", DefaultImageID)
	v.SetDefault("subnet_id", DefaultSubnetID)
	v.SetDefault("ssh_public_key", DefaultSSHPublicKey)
	v.SetDefault("shape", DefaultShape)
	v.SetDefault("ocpus", DefaultOCPUs)
	v.SetDefault("memory_gb", DefaultMemoryGB)
	v.SetDefault("display_name", DefaultDisplayName)
	v.SetDefault("assign_public_ip", false)
	v.SetDefault("floating_network_id", "")
	v.SetDefault("wait_for_active", true)
	v.SetDefault("build_timeout", DefaultBuildTimeout)
	v.SetDefault("max_attempts", DefaultMaxAttempts)
	v.SetDefault("short_wait_min", DefaultShortWaitMin)
	v.SetDefault("short_wait_max", DefaultShortWaitMax)
	v.SetDefault("long_wait_min", DefaultLongWaitMin)
	v.SetDefault("long_wait_max", DefaultLongWaitMax)
	v.SetDefault("short_wait_probability", DefaultShortProbability)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", DefaultLogFile)
	v.SetDefault("webhook_url", "")
	v.SetDefault("webhook_username", "")
	v.SetDefault("webhook_password", "")
	v.SetDefault("metrics_file", "")
	v.SetDefault("lock_file", DefaultLockFile)
}

// Load layers the compiled-in defaults, an optional .env file, an optional config
// file (configFile, may be empty) and LAUNCHSENTRY_* environment variables, then
// decodes and validates the result.
func Load(v *viper.Viper, configFile string) (Config, error) {
	// A missing .env is the normal case.
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", configFile, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc()))
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies the structural rules to cfg.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s' (value: %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LaunchRequest builds the request template from the configuration.
func (c Config) LaunchRequest(runID string) cloud.LaunchRequest {
	return cloud.LaunchRequest{
		ProjectID:         c.ProjectID,
		AvailabilityZone:  c.AvailabilityZone,
		ImageID:           c.ImageID,
		SubnetID:          c.SubnetID,
		Shape:             c.Shape,
		OCPUs:             c.OCPUs,
		MemoryGB:          c.MemoryGB,
		DisplayName:       c.DisplayName,
		SSHPublicKey:      c.SSHPublicKey,
		AssignPublicIP:    c.AssignPublicIP,
		FloatingNetworkID: c.FloatingNetworkID,
		RunID:             runID,
	}
}

// Bands returns the short and long wait ranges.
func (c Config) Bands() (policy.Range, policy.Range) {
	return policy.Range{Min: c.ShortWaitMin, Max: c.ShortWaitMax},
		policy.Range{Min: c.LongWaitMin, Max: c.LongWaitMax}
}

// ValidateProvider loads the clouds.yaml profile named by cfg.Cloud and checks that it
// is usable. clientconfig locates the file itself, so a non-default CloudsFile must
// already be exported as OS_CLIENT_CONFIG_FILE by the caller; only its presence is
// checked here.
func ValidateProvider(cfg Config) (*clientconfig.Cloud, error) {
	if cfg.CloudsFile != "" {
		if _, err := os.Stat(cfg.CloudsFile); err != nil {
			return nil, fmt.Errorf("clouds file %q is not readable: %w", cfg.CloudsFile, err)
		}
	}

	profile, err := clientconfig.GetCloudFromYAML(&clientconfig.ClientOpts{Cloud: cfg.Cloud})
	if err != nil {
		return nil, fmt.Errorf("failed to load cloud profile %q: %w", cfg.Cloud, err)
	}

	if profile.AuthInfo == nil || profile.AuthInfo.AuthURL == "" {
		return nil, fmt.Errorf("cloud profile %q has no auth_url", cfg.Cloud)
	}

	if cfg.ProjectID != "" && profile.AuthInfo.ProjectID != "" && profile.AuthInfo.ProjectID != cfg.ProjectID {
		return nil, fmt.Errorf("cloud profile %q is scoped to project %s, expected %s",
			cfg.Cloud, profile.AuthInfo.ProjectID, cfg.ProjectID)
	}

	return profile, nil
}
