package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

// PoolType represents the type of storage pool backend.
type PoolType string

// PoolTypeDir is a directory-backed pool, the only type vmctl creates.
const PoolTypeDir PoolType = "dir"

// VolumeType represents the purpose of a storage volume.
type VolumeType string

const (
	VolumeTypeBoot      VolumeType = "boot"       // Boot disk volume
	VolumeTypeSwap      VolumeType = "swap"       // Swap disk volume
	VolumeTypeCloudInit VolumeType = "cloudinit"  // Cloud-init ISO volume
	VolumeTypeBaseImage VolumeType = "base-image" // Base OS image volume
)

// VolumeFormat represents the disk format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// ErrVolumeNotFound is returned when a volume lookup finds nothing.
var ErrVolumeNotFound = errors.New("volume not found")

// BackingVolume names the read-only base of a copy-on-write volume. It may
// live in another pool.
type BackingVolume struct {
	Pool   string
	Volume string
	// Format of the backing volume. Empty means qcow2.
	Format VolumeFormat
}

// VolumeSpec specifies how to create a storage volume.
type VolumeSpec struct {
	Name          string       // Volume name (e.g., "web-1_boot.qcow2")
	Type          VolumeType   // Volume type
	Format        VolumeFormat // Disk format (qcow2, raw)
	CapacityBytes uint64       // Virtual size
	Backing       *BackingVolume
}

// Validate checks if the volume spec is valid.
func (v *VolumeSpec) Validate() error {
	if v.Name == "" {
		return errors.New("volume name is required")
	}
	if v.Type == "" {
		return errors.New("volume type is required")
	}
	if v.Format != VolumeFormatQCOW2 && v.Format != VolumeFormatRaw {
		return fmt.Errorf("invalid volume format: %q (must be qcow2 or raw)", v.Format)
	}
	if v.CapacityBytes == 0 {
		return errors.New("volume capacity must be greater than 0")
	}
	if v.Backing != nil {
		if v.Format != VolumeFormatQCOW2 {
			return errors.New("backing volumes are only supported for qcow2 format")
		}
		if v.Backing.Pool == "" || v.Backing.Volume == "" {
			return errors.New("backing volume needs a pool and a volume name")
		}
	}
	return nil
}

// MiB converts mebibytes to bytes.
func MiB(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) << 20
}

// PoolInfo contains information about a storage pool.
type PoolInfo struct {
	Name       string   // Pool name
	Type       PoolType // Pool type
	Path       string   // Pool path (for dir-based pools)
	UUID       string   // Pool UUID
	State      string   // Pool state (running, inactive, ...)
	Capacity   uint64   // Total capacity in bytes
	Allocation uint64   // Allocated space in bytes
	Available  uint64   // Available space in bytes
}

// AvailableGB returns the pool available space in GB.
func (p *PoolInfo) AvailableGB() float64 {
	return float64(p.Available) / (1024 * 1024 * 1024)
}

// VolumeInfo contains information about a storage volume.
type VolumeInfo struct {
	Name       string `json:"name" yaml:"name"`
	Pool       string `json:"pool" yaml:"pool"`
	Path       string `json:"path" yaml:"path"`
	Capacity   uint64 `json:"capacity" yaml:"capacity"`
	Allocation uint64 `json:"allocation" yaml:"allocation"`
}

// CapacityGB returns the volume capacity in GB.
func (v *VolumeInfo) CapacityGB() float64 {
	return float64(v.Capacity) / (1024 * 1024 * 1024)
}

// DefaultPoolRoot is where vmctl creates directory pools.
const DefaultPoolRoot = "/var/lib/libvirt/images/vmctl"

// PoolPath returns the directory backing a vmctl pool.
func PoolPath(name string) string {
	return filepath.Join(DefaultPoolRoot, name)
}
