package storage

import (
	"fmt"
	"io"

	"github.com/digitalocean/go-libvirt"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// mockLibvirtClient is an in-memory implementation of LibvirtClient.
type mockLibvirtClient struct {
	pools   map[string]*mockPool
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	// Configurable behavior
	uploadErr error
	buildErr  error

	// Call tracking
	refreshed []string
	undefined []string
}

type mockPool struct {
	name      string
	uuid      libvirt.UUID
	state     libvirt.StoragePoolState
	capacity  uint64
	allocated uint64
	available uint64
	xmlDesc   string
	autostart bool
}

type mockVolume struct {
	name      string
	path      string
	format    string
	backing   string
	capacity  uint64
	allocated uint64
	data      []byte
}

func newMockLibvirtClient() *mockLibvirtClient {
	return &mockLibvirtClient{
		pools:   make(map[string]*mockPool),
		volumes: make(map[string]map[string]*mockVolume),
	}
}

func noPool(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStoragePool), Message: "storage pool not found: " + name}
}

func noVol(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoStorageVol), Message: "storage volume not found: " + name}
}

// addPool seeds a running pool.
func (m *mockLibvirtClient) addPool(name string) {
	m.pools[name] = &mockPool{
		name:      name,
		state:     libvirt.StoragePoolRunning,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   fmt.Sprintf(`<pool type="dir"><name>%s</name><target><path>/srv/%s</path></target></pool>`, name, name),
	}
	m.volumes[name] = make(map[string]*mockVolume)
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	pool, ok := m.pools[name]
	if !ok {
		return libvirt.StoragePool{}, noPool(name)
	}
	return libvirt.StoragePool{Name: pool.name, UUID: pool.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolDefineXML(xml string, flags uint32) (libvirt.StoragePool, error) {
	var def libvirtxml.StoragePool
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StoragePool{}, fmt.Errorf("invalid pool XML: %w", err)
	}
	if _, ok := m.pools[def.Name]; ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool already exists: %s", def.Name)
	}
	pool := &mockPool{
		name:      def.Name,
		uuid:      libvirt.UUID{0x6f, 0x1c, 0x3e, 0x2a, 0x0b, 0x8e, 0x4a, 0x4d, 0x9a, 0x55, 0x0d, 0x6c, 0x1b, 0x1f, 0x3c, 0x11},
		state:     libvirt.StoragePoolInactive,
		capacity:  1 << 40,
		available: 1 << 40,
		xmlDesc:   xml,
	}
	m.pools[def.Name] = pool
	m.volumes[def.Name] = make(map[string]*mockVolume)
	return libvirt.StoragePool{Name: pool.name, UUID: pool.uuid}, nil
}

func (m *mockLibvirtClient) StoragePoolCreate(pool libvirt.StoragePool, flags libvirt.StoragePoolCreateFlags) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return noPool(pool.Name)
	}
	p.state = libvirt.StoragePoolRunning
	return nil
}

func (m *mockLibvirtClient) StoragePoolBuild(pool libvirt.StoragePool, flags libvirt.StoragePoolBuildFlags) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	return m.buildErr
}

func (m *mockLibvirtClient) StoragePoolSetAutostart(pool libvirt.StoragePool, autostart int32) error {
	p, ok := m.pools[pool.Name]
	if !ok {
		return noPool(pool.Name)
	}
	p.autostart = autostart == 1
	return nil
}

func (m *mockLibvirtClient) StoragePoolUndefine(pool libvirt.StoragePool) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	m.undefined = append(m.undefined, pool.Name)
	delete(m.pools, pool.Name)
	delete(m.volumes, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StoragePoolGetInfo(pool libvirt.StoragePool) (uint8, uint64, uint64, uint64, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return 0, 0, 0, 0, noPool(pool.Name)
	}
	return uint8(p.state), p.capacity, p.allocated, p.available, nil
}

func (m *mockLibvirtClient) StoragePoolGetXMLDesc(pool libvirt.StoragePool, flags libvirt.StorageXMLFlags) (string, error) {
	p, ok := m.pools[pool.Name]
	if !ok {
		return "", noPool(pool.Name)
	}
	return p.xmlDesc, nil
}

func (m *mockLibvirtClient) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return nil, 0, noPool(pool.Name)
	}
	var result []libvirt.StorageVol
	for name := range vols {
		result = append(result, libvirt.StorageVol{Pool: pool.Name, Name: name})
	}
	return result, uint32(len(result)), nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.pools[pool.Name]; !ok {
		return noPool(pool.Name)
	}
	m.refreshed = append(m.refreshed, pool.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	if _, ok := vols[name]; !ok {
		return libvirt.StorageVol{}, noVol(name)
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, noPool(pool.Name)
	}
	var def libvirtxml.StorageVolume
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: %w", err)
	}
	if _, ok := vols[def.Name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", def.Name)
	}
	vol := &mockVolume{
		name:     def.Name,
		path:     "/srv/" + pool.Name + "/" + def.Name,
		capacity: def.Capacity.Value,
	}
	if def.Target != nil && def.Target.Format != nil {
		vol.format = def.Target.Format.Type
	}
	if def.BackingStore != nil {
		vol.backing = def.BackingStore.Path
	}
	vols[def.Name] = vol
	return libvirt.StorageVol{Pool: pool.Name, Name: vol.name}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return noPool(vol.Pool)
	}
	if _, ok := vols[vol.Name]; !ok {
		return noVol(vol.Name)
	}
	delete(vols, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	v, err := m.vol(vol)
	if err != nil {
		return "", err
	}
	return v.path, nil
}

func (m *mockLibvirtClient) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	v, err := m.vol(vol)
	if err != nil {
		return 0, 0, 0, err
	}
	return 0, v.capacity, v.allocated, nil
}

func (m *mockLibvirtClient) StorageVolUpload(vol libvirt.StorageVol, reader io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	v, err := m.vol(vol)
	if err != nil {
		return err
	}
	if m.uploadErr != nil {
		return m.uploadErr
	}
	data, err := io.ReadAll(io.LimitReader(reader, int64(length)))
	if err != nil {
		return fmt.Errorf("failed to read data: %w", err)
	}
	v.data = data
	v.allocated = uint64(len(data))
	return nil
}

func (m *mockLibvirtClient) vol(vol libvirt.StorageVol) (*mockVolume, error) {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return nil, noPool(vol.Pool)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return nil, noVol(vol.Name)
	}
	return v, nil
}
