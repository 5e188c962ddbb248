package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"

	vmlibvirt "github.com/jbweber/vmctl/internal/libvirt"
)

// CreateVolume creates a new volume in the specified pool.
func (m *Manager) CreateVolume(ctx context.Context, poolName string, spec VolumeSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("invalid volume spec: %w", err)
	}
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool not found: %w", err)
	}
	volumeXML, err := m.generateVolumeXML(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to generate volume XML: %w", err)
	}
	if _, err := m.client.StorageVolCreateXML(pool, volumeXML, 0); err != nil {
		return fmt.Errorf("failed to create volume %s: %w", spec.Name, err)
	}
	return nil
}

// UploadVolume creates a raw volume sized to data and fills it. The volume
// is removed again if the upload fails.
func (m *Manager) UploadVolume(ctx context.Context, poolName string, spec VolumeSpec, data []byte) error {
	spec.Format = VolumeFormatRaw
	spec.CapacityBytes = uint64(len(data))
	if err := m.CreateVolume(ctx, poolName, spec); err != nil {
		return err
	}
	if err := m.WriteVolumeData(ctx, poolName, spec.Name, bytes.NewReader(data), uint64(len(data))); err != nil {
		_ = m.DeleteVolume(ctx, poolName, spec.Name)
		return err
	}
	return nil
}

// DeleteVolume deletes a volume. It returns ErrVolumeNotFound when the
// volume does not exist.
func (m *Manager) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	vol, err := m.lookup(poolName, volumeName)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolDelete(vol, 0); err != nil {
		if vmlibvirt.IsNotFound(err) {
			return fmt.Errorf("%w: %s/%s", ErrVolumeNotFound, poolName, volumeName)
		}
		return fmt.Errorf("failed to delete volume %s: %w", volumeName, err)
	}
	return nil
}

// GetVolume returns the current size of a volume, or ErrVolumeNotFound.
func (m *Manager) GetVolume(ctx context.Context, poolName, volumeName string) (*VolumeInfo, error) {
	vol, err := m.lookup(poolName, volumeName)
	if err != nil {
		return nil, err
	}
	return m.info(poolName, vol)
}

// ListVolumes lists all volumes in the specified pool.
func (m *Manager) ListVolumes(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return nil, fmt.Errorf("pool not found: %w", err)
	}
	volumes, _, err := m.client.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	infos := make([]VolumeInfo, 0, len(volumes))
	for _, vol := range volumes {
		info, err := m.info(poolName, vol)
		if err != nil {
			// Volumes deleted while listing are skipped.
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// GetVolumePath gets the full filesystem path for a volume.
func (m *Manager) GetVolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	vol, err := m.lookup(poolName, volumeName)
	if err != nil {
		return "", err
	}
	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}
	return path, nil
}

// WriteVolumeData streams length bytes from r into a volume.
func (m *Manager) WriteVolumeData(ctx context.Context, poolName, volumeName string, r io.Reader, length uint64) error {
	vol, err := m.lookup(poolName, volumeName)
	if err != nil {
		return err
	}
	if err := m.client.StorageVolUpload(vol, r, 0, length, 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s: %w", volumeName, err)
	}
	return nil
}

// VolumeExists checks if a volume exists in the specified pool.
func (m *Manager) VolumeExists(ctx context.Context, poolName, volumeName string) (bool, error) {
	_, err := m.lookup(poolName, volumeName)
	switch {
	case err == nil:
		return true, nil
	case isVolumeNotFound(err):
		return false, nil
	}
	return false, err
}

func (m *Manager) lookup(poolName, volumeName string) (libvirt.StorageVol, error) {
	pool, err := m.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("pool not found: %w", err)
	}
	vol, err := m.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		if vmlibvirt.IsNotFound(err) {
			return libvirt.StorageVol{}, fmt.Errorf("%w: %s/%s", ErrVolumeNotFound, poolName, volumeName)
		}
		return libvirt.StorageVol{}, fmt.Errorf("failed to look up volume %s: %w", volumeName, err)
	}
	return vol, nil
}

func (m *Manager) info(poolName string, vol libvirt.StorageVol) (*VolumeInfo, error) {
	path, err := m.client.StorageVolGetPath(vol)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume path: %w", err)
	}
	_, capacity, allocation, err := m.client.StorageVolGetInfo(vol)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume info: %w", err)
	}
	return &VolumeInfo{
		Name:       vol.Name,
		Pool:       poolName,
		Path:       path,
		Capacity:   capacity,
		Allocation: allocation,
	}, nil
}

// generateVolumeXML generates XML for a storage volume.
func (m *Manager) generateVolumeXML(ctx context.Context, spec VolumeSpec) (string, error) {
	uid, gid, _ := GetQEMUUserGroup()
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: spec.Name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: spec.CapacityBytes,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(spec.Format),
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: uid,
				Group: gid,
				Mode:  "0644",
			},
		},
	}

	if b := spec.Backing; b != nil {
		backingPath, err := m.GetVolumePath(ctx, b.Pool, b.Volume)
		if err != nil {
			return "", fmt.Errorf("failed to get backing volume path: %w", err)
		}
		format := b.Format
		if format == "" {
			format = VolumeFormatQCOW2
		}
		vol.BackingStore = &libvirtxml.StorageVolumeBackingStore{
			Path: backingPath,
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: string(format),
			},
		}
	}

	return marshalClean(vol.Marshal())
}

func isVolumeNotFound(err error) bool {
	return errors.Is(err, ErrVolumeNotFound)
}
