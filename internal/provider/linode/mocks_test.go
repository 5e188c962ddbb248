package linode

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/linode/linodego"
)

// mockLinodeClient is an in-memory Linode API.
type mockLinodeClient struct {
	mu sync.Mutex

	instances map[int]*linodego.Instance
	disks     map[int]*linodego.InstanceDisk
	nextID    int

	// statusScript is popped by GetInstance, one status per call.
	statusScript map[int][]linodego.InstanceStatus
	// diskPolls is the number of GetInstanceDisk calls reporting "not ready"
	// before a disk turns ready.
	diskPolls int
	diskSeen  map[int]int

	images []linodego.Image

	// Configurable behavior
	createDiskErr   map[string]error
	createConfigErr error

	// Call tracking
	calls         []string
	diskOpts      []linodego.InstanceDiskCreateOptions
	configOpts    []linodego.InstanceConfigCreateOptions
	createOpts    []linodego.InstanceCreateOptions
	rebuildOpts   []linodego.InstanceRebuildOptions
	bootConfigIDs []int
}

func newMockLinodeClient() *mockLinodeClient {
	return &mockLinodeClient{
		instances:    make(map[int]*linodego.Instance),
		disks:        make(map[int]*linodego.InstanceDisk),
		statusScript: make(map[int][]linodego.InstanceStatus),
		diskSeen:     make(map[int]int),
		nextID:       100,
		images: []linodego.Image{
			{ID: "linode/debian12", Label: "Debian 12", Description: "Debian 12"},
			{ID: "private/4242", Label: "web-golden", Description: "golden web image"},
		},
	}
}

func (m *mockLinodeClient) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockLinodeClient) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// addInstance seeds an existing instance.
func (m *mockLinodeClient) addInstance(label string, status linodego.InstanceStatus) *linodego.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	ip := net.ParseIP(fmt.Sprintf("192.0.2.%d", m.nextID%250))
	li := &linodego.Instance{
		ID:     m.nextID,
		Label:  label,
		Status: status,
		Region: "eu-west",
		Type:   "g6-standard-4",
		IPv4:   []*net.IP{&ip},
		Specs:  &linodego.InstanceSpec{Disk: 81920},
	}
	m.instances[li.ID] = li
	return li
}

func (m *mockLinodeClient) ListInstances(ctx context.Context, opts *linodego.ListOptions) ([]linodego.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListInstances")
	var out []linodego.Instance
	for _, li := range m.instances {
		out = append(out, *li)
	}
	return out, nil
}

func (m *mockLinodeClient) GetInstance(ctx context.Context, linodeID int) (*linodego.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetInstance %d", linodeID)
	li, ok := m.instances[linodeID]
	if !ok {
		return nil, &linodego.Error{Code: 404, Message: "Not found"}
	}
	if s := m.statusScript[linodeID]; len(s) > 0 {
		li.Status = s[0]
		m.statusScript[linodeID] = s[1:]
	}
	c := *li
	return &c, nil
}

func (m *mockLinodeClient) CreateInstance(ctx context.Context, opts linodego.InstanceCreateOptions) (*linodego.Instance, error) {
	m.mu.Lock()
	m.record("CreateInstance %s", opts.Label)
	m.createOpts = append(m.createOpts, opts)
	m.mu.Unlock()

	li := m.addInstance(opts.Label, linodego.InstanceProvisioning)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusScript[li.ID] = []linodego.InstanceStatus{linodego.InstanceProvisioning, linodego.InstanceOffline}
	c := *li
	return &c, nil
}

func (m *mockLinodeClient) DeleteInstance(ctx context.Context, linodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteInstance %d", linodeID)
	if _, ok := m.instances[linodeID]; !ok {
		return &linodego.Error{Code: 404, Message: "Not found"}
	}
	delete(m.instances, linodeID)
	return nil
}

func (m *mockLinodeClient) BootInstance(ctx context.Context, linodeID int, configID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BootInstance %d", linodeID)
	m.bootConfigIDs = append(m.bootConfigIDs, configID)
	if _, ok := m.instances[linodeID]; ok {
		m.statusScript[linodeID] = append(m.statusScript[linodeID], linodego.InstanceBooting, linodego.InstanceRunning)
	}
	return nil
}

func (m *mockLinodeClient) ShutdownInstance(ctx context.Context, linodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ShutdownInstance %d", linodeID)
	m.statusScript[linodeID] = append(m.statusScript[linodeID], linodego.InstanceShuttingDown, linodego.InstanceOffline)
	return nil
}

func (m *mockLinodeClient) RebuildInstance(ctx context.Context, linodeID int, opts linodego.InstanceRebuildOptions) (*linodego.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RebuildInstance %d %s", linodeID, opts.Image)
	m.rebuildOpts = append(m.rebuildOpts, opts)
	li, ok := m.instances[linodeID]
	if !ok {
		return nil, &linodego.Error{Code: 404, Message: "Not found"}
	}
	li.Image = opts.Image
	m.statusScript[linodeID] = append(m.statusScript[linodeID], linodego.InstanceRebuilding, linodego.InstanceRunning)
	c := *li
	return &c, nil
}

func (m *mockLinodeClient) CreateInstanceDisk(ctx context.Context, linodeID int, opts linodego.InstanceDiskCreateOptions) (*linodego.InstanceDisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateInstanceDisk %d %s", linodeID, opts.Label)
	m.diskOpts = append(m.diskOpts, opts)
	if err := m.createDiskErr[opts.Label]; err != nil {
		return nil, err
	}
	m.nextID++
	disk := &linodego.InstanceDisk{
		ID:     m.nextID,
		Label:  opts.Label,
		Size:   opts.Size,
		Status: linodego.DiskNotReady,
	}
	m.disks[disk.ID] = disk
	c := *disk
	return &c, nil
}

func (m *mockLinodeClient) GetInstanceDisk(ctx context.Context, linodeID int, diskID int) (*linodego.InstanceDisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	disk, ok := m.disks[diskID]
	if !ok {
		return nil, &linodego.Error{Code: 404, Message: "Not found"}
	}
	m.record("GetInstanceDisk %s", disk.Label)
	m.diskSeen[diskID]++
	if m.diskSeen[diskID] > m.diskPolls {
		disk.Status = linodego.DiskReady
	}
	c := *disk
	return &c, nil
}

func (m *mockLinodeClient) CreateInstanceConfig(ctx context.Context, linodeID int, opts linodego.InstanceConfigCreateOptions) (*linodego.InstanceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateInstanceConfig %d %s", linodeID, opts.Label)
	m.configOpts = append(m.configOpts, opts)
	if m.createConfigErr != nil {
		return nil, m.createConfigErr
	}
	m.nextID++
	return &linodego.InstanceConfig{ID: m.nextID, Label: opts.Label}, nil
}

func (m *mockLinodeClient) ListImages(ctx context.Context, opts *linodego.ListOptions) ([]linodego.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListImages")
	return m.images, nil
}
