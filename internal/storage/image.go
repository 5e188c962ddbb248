package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ImportImage uploads a local qcow2 or raw disk image into poolName as
// imageName. The format is detected from the file content and the volume
// name gets the matching extension.
func (m *Manager) ImportImage(ctx context.Context, poolName, filePath, imageName string) (*VolumeInfo, error) {
	format, err := DetectImageFormat(filePath)
	if err != nil {
		return nil, fmt.Errorf("invalid image %s: %w", filePath, err)
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer func() { _ = f.Close() }()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat image file: %w", err)
	}
	size := uint64(st.Size())

	imageName = withExtension(imageName, format)
	exists, err := m.VolumeExists(ctx, poolName, imageName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("image %s already exists in pool %s", imageName, poolName)
	}

	spec := VolumeSpec{
		Name:          imageName,
		Type:          VolumeTypeBaseImage,
		Format:        format,
		CapacityBytes: size,
	}
	if err := m.CreateVolume(ctx, poolName, spec); err != nil {
		return nil, fmt.Errorf("failed to create image volume: %w", err)
	}
	if err := m.WriteVolumeData(ctx, poolName, imageName, f, size); err != nil {
		_ = m.DeleteVolume(ctx, poolName, imageName)
		return nil, fmt.Errorf("failed to upload image data: %w", err)
	}
	return m.GetVolume(ctx, poolName, imageName)
}

// ListImages lists the base images of poolName after a pool refresh.
func (m *Manager) ListImages(ctx context.Context, poolName string) ([]VolumeInfo, error) {
	if err := m.RefreshPool(ctx, poolName); err != nil {
		return nil, err
	}
	return m.ListVolumes(ctx, poolName)
}

// DeleteImage deletes a base image. Volumes backed by it keep pointing at
// the deleted path, so callers check usage first.
func (m *Manager) DeleteImage(ctx context.Context, poolName, imageName string) error {
	return m.DeleteVolume(ctx, poolName, imageName)
}

// withExtension replaces any extension of name with the one matching format.
func withExtension(name string, format VolumeFormat) string {
	ext := ".qcow2"
	if format == VolumeFormatRaw {
		ext = ".raw"
	}
	if strings.HasSuffix(name, ext) {
		return name
	}
	if cur := filepath.Ext(name); cur != "" {
		name = strings.TrimSuffix(name, cur)
	}
	return name + ext
}
