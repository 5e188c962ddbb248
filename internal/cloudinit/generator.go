// Package cloudinit generates cloud-init NoCloud seed data for libvirt
// instances: user-data, meta-data and network-config.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is what an instance needs from cloud-init.
type Config struct {
	// InstanceID changes whenever the instance is rebuilt so cloud-init
	// runs again.
	InstanceID string
	Hostname   string
	SSHKeys    []string
	// MACAddress selects the interface configured by DHCP.
	MACAddress string
	// SwapDevice is formatted and enabled on first boot when set.
	SwapDevice string
}

func (c *Config) validate() error {
	if c == nil {
		return errors.New("cloud-init configuration cannot be nil")
	}
	if c.InstanceID == "" || c.Hostname == "" {
		return errors.New("instance id and hostname are required")
	}
	return nil
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
type UserData struct {
	Hostname          string     `yaml:"hostname"`
	FQDN              string     `yaml:"fqdn"`
	SSHAuthorizedKeys []string   `yaml:"ssh_authorized_keys,omitempty"`
	SSHPasswordAuth   bool       `yaml:"ssh_pwauth"`
	DisableRoot       bool       `yaml:"disable_root"`
	BootCmd           [][]string `yaml:"bootcmd,omitempty"`
	Mounts            [][]string `yaml:"mounts,omitempty"`
	Output            *Output    `yaml:"output,omitempty"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match MatchConfig `yaml:"match"`
	DHCP4 bool        `yaml:"dhcp4"`
	DHCP6 bool        `yaml:"dhcp6"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// GenerateUserData returns the user-data file, "#cloud-config" header
// included.
func GenerateUserData(cfg *Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}

	userData := UserData{
		Hostname:          cfg.Hostname,
		FQDN:              cfg.Hostname,
		SSHAuthorizedKeys: cfg.SSHKeys,
		DisableRoot:       false,
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}
	if cfg.SwapDevice != "" {
		// mkswap only when the device carries no signature yet, so a reboot
		// before cloud-init finishes does not wipe an active swap.
		userData.BootCmd = [][]string{
			{"sh", "-c", fmt.Sprintf("blkid %s || mkswap %s", cfg.SwapDevice, cfg.SwapDevice)},
		}
		userData.Mounts = [][]string{
			{cfg.SwapDevice, "none", "swap", "sw", "0", "0"},
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}
	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData returns the meta-data file.
func GenerateMetaData(cfg *Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	yamlBytes, err := yaml.Marshal(&MetaData{
		InstanceID:    cfg.InstanceID,
		LocalHostname: cfg.Hostname,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}
	return string(yamlBytes), nil
}

// GenerateNetworkConfig returns a netplan v2 config enabling DHCP on the
// interface with the configured MAC. It returns "" when no MAC is set, in
// which case the image's default network setup applies.
func GenerateNetworkConfig(cfg *Config) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if cfg.MACAddress == "" {
		return "", nil
	}
	networkConfig := NetworkConfig{
		Version: 2,
		Ethernets: map[string]EthernetConfig{
			"eth0": {
				Match: MatchConfig{MACAddress: cfg.MACAddress},
				DHCP4: true,
				DHCP6: true,
			},
		},
	}
	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}
	return string(yamlBytes), nil
}
