package libvirt

import (
	"context"
	"fmt"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/vmctl/internal/metadata"
	"github.com/jbweber/vmctl/internal/storage"
)

type mockDomain struct {
	dom      libvirt.Domain
	state    libvirt.DomainState
	xml      string
	metadata string
	leases   []string
}

// mockDomainClient is an in-memory libvirt daemon.
type mockDomainClient struct {
	mu sync.Mutex

	domains map[libvirt.UUID]*mockDomain
	order   []libvirt.UUID
	nextIP  int

	// stateScript is popped by DomainGetState, one state per call.
	stateScript map[libvirt.UUID][]libvirt.DomainState

	// Configurable behavior
	defineErr error

	// Call tracking: mutating calls only.
	calls   []string
	defined []string
}

func newMockDomainClient() *mockDomainClient {
	return &mockDomainClient{
		domains:     make(map[libvirt.UUID]*mockDomain),
		stateScript: make(map[libvirt.UUID][]libvirt.DomainState),
		nextIP:      10,
	}
}

func noDomain(name string) error {
	return libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: " + name}
}

func (m *mockDomainClient) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockDomainClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// addDomain seeds an existing domain. A nil meta leaves the domain without
// vmctl metadata.
func (m *mockDomainClient) addDomain(name string, state libvirt.DomainState, meta *metadata.Instance) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	d := &mockDomain{
		dom:   libvirt.Domain{Name: name, UUID: libvirt.UUID(id)},
		state: state,
	}
	if meta != nil {
		el, err := metadata.Element(meta)
		if err != nil {
			panic(err)
		}
		d.metadata = el
	}
	if state == libvirt.DomainRunning {
		d.leases = []string{m.lease()}
	}
	m.domains[d.dom.UUID] = d
	m.order = append(m.order, d.dom.UUID)
	return id
}

func (m *mockDomainClient) lease() string {
	ip := fmt.Sprintf("192.0.2.%d", m.nextIP)
	m.nextIP++
	return ip
}

func (m *mockDomainClient) get(dom libvirt.Domain) (*mockDomain, error) {
	d, ok := m.domains[dom.UUID]
	if !ok {
		return nil, noDomain(dom.Name)
	}
	return d, nil
}

func (m *mockDomainClient) ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []libvirt.Domain
	for _, id := range m.order {
		if d, ok := m.domains[id]; ok {
			out = append(out, d.dom)
		}
	}
	return out, uint32(len(out)), nil
}

func (m *mockDomainClient) DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[UUID]
	if !ok {
		return libvirt.Domain{}, noDomain(uuid.UUID(UUID).String())
	}
	return d.dom, nil
}

func (m *mockDomainClient) DomainDefineXML(XML string) (libvirt.Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var def libvirtxml.Domain
	if err := def.Unmarshal(XML); err != nil {
		return libvirt.Domain{}, fmt.Errorf("invalid domain XML: %w", err)
	}
	m.record("DomainDefineXML %s", def.Name)
	if m.defineErr != nil {
		return libvirt.Domain{}, m.defineErr
	}
	id, err := uuid.Parse(def.UUID)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("invalid domain uuid: %w", err)
	}
	m.defined = append(m.defined, XML)

	d, ok := m.domains[libvirt.UUID(id)]
	if !ok {
		d = &mockDomain{
			dom:   libvirt.Domain{Name: def.Name, UUID: libvirt.UUID(id)},
			state: libvirt.DomainShutoff,
		}
		m.domains[d.dom.UUID] = d
		m.order = append(m.order, d.dom.UUID)
	}
	d.xml = XML
	d.metadata = ""
	if def.Metadata != nil {
		d.metadata = def.Metadata.XML
	}
	return d.dom, nil
}

func (m *mockDomainClient) DomainCreate(Dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainCreate %s", Dom.Name)
	d, err := m.get(Dom)
	if err != nil {
		return err
	}
	if d.state == libvirt.DomainRunning {
		return libvirt.Error{Code: uint32(libvirt.ErrOperationInvalid), Message: "domain is already running"}
	}
	d.state = libvirt.DomainRunning
	d.leases = []string{m.lease()}
	return nil
}

func (m *mockDomainClient) DomainShutdown(Dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainShutdown %s", Dom.Name)
	if _, err := m.get(Dom); err != nil {
		return err
	}
	m.stateScript[Dom.UUID] = append(m.stateScript[Dom.UUID], libvirt.DomainShutdown, libvirt.DomainShutoff)
	return nil
}

func (m *mockDomainClient) DomainDestroy(Dom libvirt.Domain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainDestroy %s", Dom.Name)
	d, err := m.get(Dom)
	if err != nil {
		return err
	}
	d.state = libvirt.DomainShutoff
	d.leases = nil
	return nil
}

func (m *mockDomainClient) DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainUndefineFlags %s %d", Dom.Name, Flags)
	if _, err := m.get(Dom); err != nil {
		return err
	}
	delete(m.domains, Dom.UUID)
	return nil
}

func (m *mockDomainClient) DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(Dom)
	if err != nil {
		return 0, 0, err
	}
	if s := m.stateScript[Dom.UUID]; len(s) > 0 {
		d.state = s[0]
		m.stateScript[Dom.UUID] = s[1:]
		if d.state != libvirt.DomainRunning {
			d.leases = nil
		}
	}
	return int32(d.state), 0, nil
}

func (m *mockDomainClient) DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) ([]libvirt.DomainInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(Dom)
	if err != nil {
		return nil, err
	}
	iface := libvirt.DomainInterface{Name: "vnet0"}
	for _, ip := range d.leases {
		iface.Addrs = append(iface.Addrs,
			libvirt.DomainIPAddr{Type: int32(libvirt.IPAddrTypeIpv4), Addr: ip, Prefix: 24},
			libvirt.DomainIPAddr{Type: int32(libvirt.IPAddrTypeIpv6), Addr: "fe80::1", Prefix: 64},
		)
	}
	return []libvirt.DomainInterface{iface}, nil
}

func (m *mockDomainClient) DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DomainSetMetadata %s", Dom.Name)
	d, err := m.get(Dom)
	if err != nil {
		return err
	}
	d.metadata = ""
	if len(Metadata) > 0 {
		d.metadata = Metadata[0]
	}
	return nil
}

func (m *mockDomainClient) DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.get(Dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return d.metadata, nil
}

// metadataOf returns the parsed vmctl metadata of the named domain.
func (m *mockDomainClient) metadataOf(name string) *metadata.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.domains {
		if d.dom.Name == name && d.metadata != "" {
			meta, err := metadata.Parse(d.metadata)
			if err != nil {
				return nil
			}
			return meta
		}
	}
	return nil
}

// mockStorage is an in-memory volume store.
type mockStorage struct {
	mu sync.Mutex

	volumes map[string]*storage.VolumeInfo // pool/name
	specs   map[string]storage.VolumeSpec
	uploads map[string][]byte

	// readyPolls is the number of GetVolume calls reporting an empty
	// volume before it reaches its capacity.
	readyPolls int
	seen       map[string]int

	// Configurable behavior
	createErr map[string]error

	calls []string
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		volumes: make(map[string]*storage.VolumeInfo),
		specs:   make(map[string]storage.VolumeSpec),
		uploads: make(map[string][]byte),
		seen:    make(map[string]int),
	}
}

func (s *mockStorage) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *mockStorage) has(pool, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.volumes[pool+"/"+name]
	return ok
}

func (s *mockStorage) add(pool string, spec storage.VolumeSpec) {
	key := pool + "/" + spec.Name
	s.volumes[key] = &storage.VolumeInfo{
		Name:     spec.Name,
		Pool:     pool,
		Path:     "/srv/" + key,
		Capacity: spec.CapacityBytes,
	}
	s.specs[key] = spec
	s.seen[key] = 0
}

func (s *mockStorage) CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "CreateVolume "+poolName+" "+spec.Name)
	if err := s.createErr[spec.Name]; err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := s.volumes[poolName+"/"+spec.Name]; ok {
		return fmt.Errorf("storage volume already exists: %s", spec.Name)
	}
	s.add(poolName, spec)
	return nil
}

func (s *mockStorage) UploadVolume(ctx context.Context, poolName string, spec storage.VolumeSpec, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "UploadVolume "+poolName+" "+spec.Name)
	if err := s.createErr[spec.Name]; err != nil {
		return err
	}
	spec.Format = storage.VolumeFormatRaw
	spec.CapacityBytes = uint64(len(data))
	s.add(poolName, spec)
	s.uploads[poolName+"/"+spec.Name] = data
	return nil
}

func (s *mockStorage) DeleteVolume(ctx context.Context, poolName, volumeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "DeleteVolume "+poolName+" "+volumeName)
	key := poolName + "/" + volumeName
	if _, ok := s.volumes[key]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrVolumeNotFound, key)
	}
	delete(s.volumes, key)
	delete(s.specs, key)
	delete(s.uploads, key)
	return nil
}

func (s *mockStorage) GetVolume(ctx context.Context, poolName, volumeName string) (*storage.VolumeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := poolName + "/" + volumeName
	v, ok := s.volumes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrVolumeNotFound, key)
	}
	s.seen[key]++
	c := *v
	if s.seen[key] <= s.readyPolls {
		c.Capacity = 0
	}
	return &c, nil
}
