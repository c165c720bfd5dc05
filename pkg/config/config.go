package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is consulted when SHOCKER_CONFIG is unset. A missing file is
// not an error; the built-in defaults apply.
const DefaultPath = "/etc/shocker/config.yaml"

// Config holds all host-level settings for the runtime.
type Config struct {
	// ArtifactsDir is where pulled image layers live, one directory per
	// repo:tag.
	ArtifactsDir string `yaml:"artifactsDir"`

	// StateDir holds the container registry JSON and its lock file.
	StateDir string `yaml:"stateDir"`

	// BridgeName is the host bridge all containers attach to.
	BridgeName string `yaml:"bridgeName"`

	// Subnet is the container subnet in CIDR form. The gateway is the .1
	// address and is assigned to the bridge.
	Subnet string `yaml:"subnet"`

	// RegistryURL is the Docker Registry v2 endpoint.
	RegistryURL string `yaml:"registryURL"`

	// AuthURL is the token service endpoint for RegistryURL.
	AuthURL string `yaml:"authURL"`

	// AuthService is the service parameter sent to the token endpoint.
	AuthService string `yaml:"authService"`

	// Architecture and OSType select the platform manifest on pull.
	Architecture string `yaml:"architecture"`
	OSType       string `yaml:"osType"`

	// HTTPTimeout bounds every single registry request.
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ArtifactsDir: "/var/lib/shocker/images",
		StateDir:     "/var/run/shocker",
		BridgeName:   "shocker0",
		Subnet:       "69.69.0.0/24",
		RegistryURL:  "https://registry-1.docker.io",
		AuthURL:      "https://auth.docker.io/token",
		AuthService:  "registry.docker.io",
		Architecture: "amd64",
		OSType:       "linux",
		HTTPTimeout:  30 * time.Second,
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path falls back to SHOCKER_CONFIG, then DefaultPath. A missing file yields
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("SHOCKER_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if _, _, err := net.ParseCIDR(cfg.Subnet); err != nil {
		return cfg, fmt.Errorf("invalid subnet %q: %w", cfg.Subnet, err)
	}

	return cfg, nil
}

// SubnetIPNet parses the configured subnet.
func (c Config) SubnetIPNet() (*net.IPNet, error) {
	_, subnet, err := net.ParseCIDR(c.Subnet)
	if err != nil {
		return nil, fmt.Errorf("parsing subnet %q: %w", c.Subnet, err)
	}
	return subnet, nil
}
