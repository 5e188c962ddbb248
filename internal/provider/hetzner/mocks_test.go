package hetzner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hetznercloud/hcloud-go/hcloud"
)

// mockServerClient is an in-memory Hetzner Cloud API.
type mockServerClient struct {
	mu sync.Mutex

	servers map[int]*hcloud.Server
	keys    []*hcloud.SSHKey
	images  []*hcloud.Image
	nextID  int

	// statusScript is popped by GetServer, one status per call.
	statusScript map[int][]hcloud.ServerStatus

	// Configurable behavior
	createErr error

	// Call tracking
	calls      []string
	createOpts []hcloud.ServerCreateOpts
	rebuilds   []int
}

func newMockServerClient() *mockServerClient {
	return &mockServerClient{
		servers:      make(map[int]*hcloud.Server),
		statusScript: make(map[int][]hcloud.ServerStatus),
		nextID:       500,
		images: []*hcloud.Image{
			{ID: 114690387, Name: "debian-12", Description: "Debian 12", Type: hcloud.ImageTypeSystem},
			{ID: 987654, Description: "web-golden", Type: hcloud.ImageTypeSnapshot},
		},
	}
}

func (m *mockServerClient) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockServerClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// addServer seeds an existing server.
func (m *mockServerClient) addServer(name string, status hcloud.ServerStatus) *hcloud.Server {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addServerLocked(name, status, m.images[0])
}

func (m *mockServerClient) addServerLocked(name string, status hcloud.ServerStatus, image *hcloud.Image) *hcloud.Server {
	m.nextID++
	s := &hcloud.Server{
		ID:              m.nextID,
		Name:            name,
		Status:          status,
		Created:         time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
		ServerType:      &hcloud.ServerType{Name: "cx22", Disk: 40},
		PrimaryDiskSize: 40,
		Image:           image,
		Datacenter:      &hcloud.Datacenter{Name: "fsn1-dc14", Location: &hcloud.Location{Name: "fsn1"}},
		PublicNet: hcloud.ServerPublicNet{
			IPv4: hcloud.ServerPublicNetIPv4{IP: net.IPv4(198, 51, 100, byte(m.nextID%250))},
		},
	}
	m.servers[s.ID] = s
	return s
}

func (m *mockServerClient) ListServers(ctx context.Context) ([]*hcloud.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListServers")
	var out []*hcloud.Server
	for _, s := range m.servers {
		c := *s
		out = append(out, &c)
	}
	return out, nil
}

func (m *mockServerClient) GetServer(ctx context.Context, id int) (*hcloud.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetServer %d", id)
	s, ok := m.servers[id]
	if !ok {
		return nil, notFoundError("server")
	}
	if script := m.statusScript[id]; len(script) > 0 {
		s.Status = script[0]
		m.statusScript[id] = script[1:]
	}
	c := *s
	return &c, nil
}

func (m *mockServerClient) CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateServer %s", opts.Name)
	m.createOpts = append(m.createOpts, opts)
	if m.createErr != nil {
		return nil, m.createErr
	}
	image := opts.Image
	for _, img := range m.images {
		if img.ID == opts.Image.ID {
			image = img
		}
	}
	s := m.addServerLocked(opts.Name, hcloud.ServerStatusInitializing, image)
	m.statusScript[s.ID] = []hcloud.ServerStatus{hcloud.ServerStatusStarting, hcloud.ServerStatusRunning}
	c := *s
	return &c, nil
}

func (m *mockServerClient) DeleteServer(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteServer %d", id)
	if _, ok := m.servers[id]; !ok {
		return notFoundError("server")
	}
	delete(m.servers, id)
	return nil
}

func (m *mockServerClient) PowerOn(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PowerOn %d", id)
	m.statusScript[id] = append(m.statusScript[id], hcloud.ServerStatusStarting, hcloud.ServerStatusRunning)
	return nil
}

func (m *mockServerClient) Shutdown(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Shutdown %d", id)
	m.statusScript[id] = append(m.statusScript[id], hcloud.ServerStatusStopping, hcloud.ServerStatusOff)
	return nil
}

func (m *mockServerClient) Rebuild(ctx context.Context, id int, image *hcloud.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Rebuild %d", id)
	m.rebuilds = append(m.rebuilds, image.ID)
	s, ok := m.servers[id]
	if !ok {
		return notFoundError("server")
	}
	for _, img := range m.images {
		if img.ID == image.ID {
			s.Image = img
		}
	}
	m.statusScript[id] = append(m.statusScript[id], hcloud.ServerStatusRebuilding, hcloud.ServerStatusRunning)
	return nil
}

func (m *mockServerClient) ListImages(ctx context.Context) ([]*hcloud.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListImages")
	return m.images, nil
}

func (m *mockServerClient) KeyByFingerprint(ctx context.Context, fingerprint string) (*hcloud.SSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("KeyByFingerprint")
	for _, k := range m.keys {
		if k.Fingerprint == fingerprint {
			return k, nil
		}
	}
	return nil, notFoundError("ssh key")
}

func (m *mockServerClient) CreateKey(ctx context.Context, opts hcloud.SSHKeyCreateOpts) (*hcloud.SSHKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateKey %s", opts.Name)
	m.nextID++
	k := &hcloud.SSHKey{ID: m.nextID, Name: opts.Name, PublicKey: opts.PublicKey, Fingerprint: "fp:" + opts.Name}
	m.keys = append(m.keys, k)
	return k, nil
}
