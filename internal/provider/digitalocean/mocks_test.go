package digitalocean

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/digitalocean/godo"
)

// mockDropletClient is an in-memory DigitalOcean API.
type mockDropletClient struct {
	mu sync.Mutex

	droplets map[int]*godo.Droplet
	keys     []godo.Key
	images   []godo.Image
	nextID   int

	// statusScript is popped by GetDroplet, one status per call.
	statusScript map[int][]string

	// Configurable behavior
	createErr error

	// Call tracking
	calls      []string
	createReqs []*godo.DropletCreateRequest
	rebuilds   []godo.DropletCreateImage
}

func newMockDropletClient() *mockDropletClient {
	return &mockDropletClient{
		droplets:     make(map[int]*godo.Droplet),
		statusScript: make(map[int][]string),
		nextID:       3000,
		images: []godo.Image{
			{ID: 101, Slug: "ubuntu-24-04-x64", Name: "24.04 (LTS) x64", Distribution: "Ubuntu"},
			{ID: 4242, Name: "web-golden", Distribution: "Debian"},
		},
	}
}

func notFound() error {
	return &godo.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Message:  "The resource you were accessing could not be found.",
	}
}

func (m *mockDropletClient) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockDropletClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// addDroplet seeds an existing droplet.
func (m *mockDropletClient) addDroplet(name, status string) *godo.Droplet {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	d := &godo.Droplet{
		ID:       m.nextID,
		Name:     name,
		Status:   status,
		SizeSlug: "s-2vcpu-4gb",
		Disk:     80,
		Region:   &godo.Region{Slug: "ams3"},
		Image:    &godo.Image{ID: 101, Slug: "ubuntu-24-04-x64"},
		Created:  "2026-10-01T12:00:00Z",
		Networks: &godo.Networks{
			V4: []godo.NetworkV4{
				{IPAddress: "10.110.0.2", Type: "private"},
				{IPAddress: fmt.Sprintf("203.0.113.%d", m.nextID%250), Type: "public"},
			},
		},
	}
	m.droplets[d.ID] = d
	return d
}

func (m *mockDropletClient) ListDroplets(ctx context.Context) ([]godo.Droplet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListDroplets")
	var out []godo.Droplet
	for _, d := range m.droplets {
		out = append(out, *d)
	}
	return out, nil
}

func (m *mockDropletClient) GetDroplet(ctx context.Context, id int) (*godo.Droplet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetDroplet %d", id)
	d, ok := m.droplets[id]
	if !ok {
		return nil, notFound()
	}
	if s := m.statusScript[id]; len(s) > 0 {
		d.Status = s[0]
		m.statusScript[id] = s[1:]
	}
	c := *d
	return &c, nil
}

func (m *mockDropletClient) CreateDroplet(ctx context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, error) {
	m.mu.Lock()
	m.record("CreateDroplet %s", req.Name)
	m.createReqs = append(m.createReqs, req)
	err := m.createErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	d := m.addDroplet(req.Name, "new")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusScript[d.ID] = []string{"new", "active"}
	c := *d
	return &c, nil
}

func (m *mockDropletClient) DeleteDroplet(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteDroplet %d", id)
	if _, ok := m.droplets[id]; !ok {
		return notFound()
	}
	delete(m.droplets, id)
	return nil
}

func (m *mockDropletClient) PowerOn(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PowerOn %d", id)
	m.statusScript[id] = append(m.statusScript[id], "active")
	return nil
}

func (m *mockDropletClient) Shutdown(ctx context.Context, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Shutdown %d", id)
	m.statusScript[id] = append(m.statusScript[id], "active", "off")
	return nil
}

func (m *mockDropletClient) Rebuild(ctx context.Context, id int, image godo.DropletCreateImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Rebuild %d", id)
	m.rebuilds = append(m.rebuilds, image)
	d, ok := m.droplets[id]
	if !ok {
		return notFound()
	}
	for i := range m.images {
		if m.images[i].ID == image.ID || (image.Slug != "" && m.images[i].Slug == image.Slug) {
			img := m.images[i]
			d.Image = &img
		}
	}
	m.statusScript[id] = append(m.statusScript[id], "new", "active")
	return nil
}

func (m *mockDropletClient) ListImages(ctx context.Context) ([]godo.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListImages")
	return m.images, nil
}

func (m *mockDropletClient) KeyByFingerprint(ctx context.Context, fingerprint string) (*godo.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("KeyByFingerprint")
	for i := range m.keys {
		if m.keys[i].Fingerprint == fingerprint {
			k := m.keys[i]
			return &k, nil
		}
	}
	return nil, notFound()
}

func (m *mockDropletClient) CreateKey(ctx context.Context, req *godo.KeyCreateRequest) (*godo.Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateKey %s", req.Name)
	m.nextID++
	k := godo.Key{ID: m.nextID, Name: req.Name, PublicKey: req.PublicKey, Fingerprint: "fp:" + req.Name}
	m.keys = append(m.keys, k)
	return &k, nil
}
