// Package metadata stores vmctl bookkeeping in libvirt's custom domain
// metadata, so the template an instance was built from and its disk budget
// persist with the domain itself.
package metadata

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// Namespace is the XML namespace of the vmctl metadata element.
	Namespace = "https://github.com/jbweber/vmctl/xmlns/instance/v1"

	// Key is the element prefix libvirt uses for the namespace.
	Key = "vmctl"
)

// ErrNotFound is returned by Load when the domain carries no vmctl metadata.
var ErrNotFound = errors.New("no vmctl metadata")

// Instance is what vmctl records about a domain it created.
type Instance struct {
	Template  string    `yaml:"template"`
	VCPUs     int       `yaml:"vcpus"`
	MemoryMiB int       `yaml:"memory_mib"`
	DiskMB    int       `yaml:"disk_mb"`
	SwapMB    int       `yaml:"swap_mb"`
	Created   time.Time `yaml:"created"`
}

// element is the XML wrapper. The payload is YAML so it stays readable in
// `virsh dumpxml`.
type element struct {
	XMLName xml.Name `xml:"instance"`
	Xmlns   string   `xml:"xmlns,attr"`
	YAML    string   `xml:",chardata"`
}

// LibvirtClient is the subset of *libvirt.Libvirt used here.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// Element renders meta as the XML element embedded in a domain definition.
func Element(meta *Instance) (string, error) {
	if meta == nil {
		return "", errors.New("metadata cannot be nil")
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata to YAML: %w", err)
	}
	out, err := xml.Marshal(element{Xmlns: Namespace, YAML: string(data)})
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}
	return string(out), nil
}

// Parse reads an element produced by Element.
func Parse(s string) (*Instance, error) {
	var el element
	if err := xml.Unmarshal([]byte(s), &el); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}
	if el.Xmlns != "" && el.Xmlns != Namespace {
		return nil, fmt.Errorf("unexpected metadata namespace %q", el.Xmlns)
	}
	var meta Instance
	if err := yaml.Unmarshal([]byte(el.YAML), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata YAML: %w", err)
	}
	return &meta, nil
}

// Store replaces the vmctl metadata of the persistent domain definition.
func Store(c LibvirtClient, domain libvirt.Domain, meta *Instance) error {
	el, err := Element(meta)
	if err != nil {
		return err
	}
	err = c.DomainSetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{el},
		libvirt.OptString{Key},
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set domain metadata: %w", err)
	}
	return nil
}

// Load returns the vmctl metadata of domain, or ErrNotFound for domains
// vmctl did not create.
func Load(c LibvirtClient, domain libvirt.Domain) (*Instance, error) {
	s, err := c.DomainGetMetadata(
		domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{Namespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		var lerr libvirt.Error
		if errors.As(err, &lerr) && libvirt.ErrorNumber(lerr.Code) == libvirt.ErrNoDomainMetadata {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get domain metadata: %w", err)
	}
	return Parse(s)
}
