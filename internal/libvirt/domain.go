package libvirt

import (
	"errors"
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// DomainSpec describes a vmctl domain. A spec without volumes yields the
// diskless shell defined by the first creation stage; the boot configuration
// stage redefines the same domain (same UUID) with its volumes attached.
type DomainSpec struct {
	Name      string
	UUID      string
	VCPUs     int
	MemoryMiB int
	Bridge    string
	// MAC is optional. Keep it stable across redefinitions so DHCP leases
	// survive the boot configuration stage.
	MAC string

	// Pool holds the instance volumes.
	Pool            string
	BootVolume      string
	SwapVolume      string
	CloudInitVolume string

	// Metadata is an XML element stored in the domain <metadata>.
	Metadata string
}

// Validate checks the fields every domain needs.
func (s *DomainSpec) Validate() error {
	switch {
	case s.Name == "":
		return errors.New("domain name is required")
	case s.UUID == "":
		return errors.New("domain uuid is required")
	case s.VCPUs < 1:
		return fmt.Errorf("vcpus must be at least 1, got %d", s.VCPUs)
	case s.MemoryMiB < 1:
		return fmt.Errorf("memory must be positive, got %d MiB", s.MemoryMiB)
	case s.Bridge == "":
		return errors.New("bridge is required")
	case (s.BootVolume != "" || s.SwapVolume != "" || s.CloudInitVolume != "") && s.Pool == "":
		return errors.New("pool is required when volumes are attached")
	}
	return nil
}

// Shell reports whether the spec has no volume attached.
func (s *DomainSpec) Shell() bool {
	return s.BootVolume == "" && s.SwapVolume == "" && s.CloudInitVolume == ""
}

// GenerateDomainXML renders spec as libvirt domain XML.
func GenerateDomainXML(spec DomainSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid domain spec: %w", err)
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: uint(spec.MemoryMiB),
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     uint(spec.VCPUs),
		},
		OS: &libvirtxml.DomainOS{
			Firmware: "efi",
			Type: &libvirtxml.DomainOSType{
				Arch: "x86_64",
				Type: "hvm",
			},
			BIOS: &libvirtxml.DomainBIOS{
				UseSerial: "yes",
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-model",
			Model: &libvirtxml.DomainCPUModel{
				Fallback: "allow",
			},
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
			Timer: []libvirtxml.DomainTimer{
				{Name: "rtc", TickPolicy: "catchup"},
				{Name: "pit", TickPolicy: "delay"},
				{Name: "hpet", Present: "no"},
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "restart",
		Devices: &libvirtxml.DomainDeviceList{
			Controllers: []libvirtxml.DomainController{
				{
					Type:  "pci",
					Index: uintPtr(0),
					Model: "pci-root",
				},
			},
			MemBalloon: &libvirtxml.DomainMemBalloon{
				Model: "virtio",
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
		},
	}

	if spec.Metadata != "" {
		domain.Metadata = &libvirtxml.DomainMetadata{XML: spec.Metadata}
	}

	if spec.BootVolume != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, volumeDisk(spec.Pool, spec.BootVolume, "vda", 1))
	}
	if spec.SwapVolume != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, volumeDisk(spec.Pool, spec.SwapVolume, "vdb", 0))
	}
	if spec.CloudInitVolume != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{
					Pool:   spec.Pool,
					Volume: spec.CloudInitVolume,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sda",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Bridge: &libvirtxml.DomainInterfaceSourceBridge{
				Bridge: spec.Bridge,
			},
		},
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if spec.MAC != "" {
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: spec.MAC}
	}
	domain.Devices.Interfaces = []libvirtxml.DomainInterface{iface}

	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainSerialTarget{
				Port: uintPtr(0),
			},
		},
	}
	domain.Devices.Consoles = []libvirtxml.DomainConsole{
		{
			Source: &libvirtxml.DomainChardevSource{
				Pty: &libvirtxml.DomainChardevSourcePty{},
			},
			Target: &libvirtxml.DomainConsoleTarget{
				Type: "serial",
				Port: uintPtr(0),
			},
		},
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}

// ParseDomainXML reads back the parts of a domain definition vmctl needs.
func ParseDomainXML(xml string) (*libvirtxml.Domain, error) {
	var d libvirtxml.Domain
	if err := d.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	return &d, nil
}

func volumeDisk(pool, volume, dev string, bootOrder uint) libvirtxml.DomainDisk {
	disk := libvirtxml.DomainDisk{
		Device: "disk",
		Driver: &libvirtxml.DomainDiskDriver{
			Name:  "qemu",
			Type:  "qcow2",
			Cache: "none",
		},
		Source: &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{
				Pool:   pool,
				Volume: volume,
			},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: dev,
			Bus: "virtio",
		},
	}
	if bootOrder > 0 {
		disk.Boot = &libvirtxml.DomainDeviceBoot{Order: bootOrder}
	}
	return disk
}

func uintPtr(v uint) *uint {
	return &v
}
