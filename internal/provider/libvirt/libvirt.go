// Package libvirt drives KVM domains on a libvirt host.
//
// libvirt has no templates, images catalog or boot configurations, so the
// driver builds them from local pieces: templates are declared in the
// configuration, disks are volumes in a directory pool and the boot
// configuration is the domain definition itself. Creation runs the same
// stages as on a cloud provider: a diskless shell domain, a swap volume, a
// boot volume backed by the template image plus a cloud-init ISO, the
// domain redefined with its volumes attached, and finally a boot.
package libvirt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/cloudinit"
	"github.com/jbweber/vmctl/internal/config"
	vmlibvirt "github.com/jbweber/vmctl/internal/libvirt"
	"github.com/jbweber/vmctl/internal/metadata"
	"github.com/jbweber/vmctl/internal/naming"
	"github.com/jbweber/vmctl/internal/provider"
	"github.com/jbweber/vmctl/internal/storage"
)

// Name is the backend name.
const Name = "libvirt"

// swapDevice is where the swap volume shows up in the guest.
const swapDevice = "/dev/vdb"

func init() {
	backend.Register(Name, Open)
}

// Open is the backend.Factory for libvirt. It connects to the configured
// URI and makes sure the instance and image pools exist.
func Open(ctx context.Context, deps backend.Deps) (backend.Backend, error) {
	cfg := deps.Config.Libvirt
	client, err := vmlibvirt.Connect(ctx, cfg.URI, 0)
	if err != nil {
		return nil, err
	}
	mgr := storage.NewManager(client.Libvirt())
	if err := mgr.EnsurePools(ctx, cfg.Pool, cfg.ImagePool); err != nil {
		_ = client.Close()
		return nil, err
	}

	d := New(client.Libvirt(), mgr, cfg)
	d.closer = client
	m, err := provider.Open(ctx, d, deps)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

// Driver implements provider.Driver and provider.Rebuilder for libvirt.
type Driver struct {
	client  domainClient
	storage storageManager
	cfg     config.LibvirtConfig
	closer  io.Closer
	now     func() time.Time
	newUUID func() uuid.UUID
}

var (
	_ provider.Driver    = (*Driver)(nil)
	_ provider.Rebuilder = (*Driver)(nil)
	_ io.Closer          = (*Driver)(nil)
)

// New returns a driver using client for domains and mgr for volumes.
func New(client domainClient, mgr storageManager, cfg config.LibvirtConfig) *Driver {
	return &Driver{client: client, storage: mgr, cfg: cfg, now: time.Now, newUUID: uuid.New}
}

func (d *Driver) Name() string { return Name }

// Close releases the libvirt connection.
func (d *Driver) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer.Close()
}

func (d *Driver) List(ctx context.Context) ([]*backend.Instance, error) {
	domains, _, err := d.client.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, wrap("list domains", err)
	}
	out := make([]*backend.Instance, 0, len(domains))
	for _, dom := range domains {
		inst, err := d.describe(ctx, dom)
		if isNotFound(err) {
			// Undefined between the listing and the read.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (d *Driver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	dom, err := d.lookup(inst)
	if err != nil {
		return nil, err
	}
	return d.describe(ctx, dom)
}

// Templates returns the templates declared in the configuration.
func (d *Driver) Templates(ctx context.Context) ([]*backend.Template, error) {
	out := make([]*backend.Template, 0, len(d.cfg.Templates))
	for _, t := range d.cfg.Templates {
		pool, volume, err := t.ParseImageReference(d.cfg.ImagePool)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Name, err)
		}
		out = append(out, &backend.Template{
			Name:        t.Name,
			ID:          t.Name,
			Description: t.Description,
			Image:       pool + ":" + volume,
			Provider:    Name,
		})
	}
	return out, nil
}

// Create assembles the domain stage by stage.
func (d *Driver) Create(ctx context.Context, b *provider.Build) (*backend.Instance, error) {
	tmpl, err := d.template(b.Template.Name)
	if err != nil {
		return nil, err
	}
	bootMB := tmpl.DiskGB*1024 - d.cfg.SwapMB
	if bootMB <= 0 {
		return nil, fmt.Errorf("template %s has %d GB of disk, not enough for %d MB of swap", tmpl.Name, tmpl.DiskGB, d.cfg.SwapMB)
	}

	id := d.newUUID()
	meta := &metadata.Instance{
		Template:  tmpl.Name,
		VCPUs:     tmpl.VCPUs,
		MemoryMiB: tmpl.MemoryMiB,
		DiskMB:    tmpl.DiskGB * 1024,
		SwapMB:    d.cfg.SwapMB,
		Created:   d.now().UTC().Truncate(time.Second),
	}
	metaXML, err := metadata.Element(meta)
	if err != nil {
		return nil, err
	}
	spec := vmlibvirt.DomainSpec{
		Name:      b.Label,
		UUID:      id.String(),
		VCPUs:     tmpl.VCPUs,
		MemoryMiB: tmpl.MemoryMiB,
		Bridge:    d.cfg.Bridge,
		MAC:       naming.MACFromLabel(b.Label),
		Metadata:  metaXML,
	}

	var dom libvirt.Domain
	err = b.Stage(ctx, "shell", fmt.Sprintf("Creating an empty instance '%s'", b.Label), func(ctx context.Context) error {
		dom, err = d.define(spec)
		if err != nil {
			return err
		}
		inst := toInstance(dom, libvirt.DomainShutoff, meta)
		if err := b.Created(inst); err != nil {
			return err
		}
		return b.WaitStatus(ctx, backend.StatusOffline)
	})
	if err != nil {
		return nil, err
	}

	swapName := naming.VolumeNameSwap(b.Label)
	err = b.Stage(ctx, "swap", "Creating a new swap disk", func(ctx context.Context) error {
		return d.createVolume(ctx, b, storage.VolumeSpec{
			Name:          swapName,
			Type:          storage.VolumeTypeSwap,
			Format:        storage.VolumeFormatQCOW2,
			CapacityBytes: storage.MiB(d.cfg.SwapMB),
		})
	})
	if err != nil {
		return nil, err
	}

	err = b.Stage(ctx, "boot-disk", "Creating a new boot disk", func(ctx context.Context) error {
		return d.provisionBoot(ctx, b, dom, tmpl, bootMB, b.SSHKey)
	})
	if err != nil {
		return nil, err
	}

	err = b.Stage(ctx, "config", "Creating the boot configuration", func(ctx context.Context) error {
		spec.Pool = d.cfg.Pool
		spec.SwapVolume = swapName
		spec.BootVolume = naming.VolumeNameBoot(b.Label)
		spec.CloudInitVolume = naming.VolumeNameCloudInit(b.Label)
		_, err := d.define(spec)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = b.Stage(ctx, "boot", fmt.Sprintf("Booting instance '%s'", b.Label), func(ctx context.Context) error {
		return wrap("start domain", d.client.DomainCreate(dom))
	})
	if err != nil {
		return nil, err
	}

	inst := toInstance(dom, libvirt.DomainRunning, meta)
	inst.Status = backend.StatusProvisioning
	return inst, nil
}

// provisionBoot creates the boot volume on top of the template image and
// the cloud-init ISO next to it, then waits until both are readable.
func (d *Driver) provisionBoot(ctx context.Context, b *provider.Build, dom libvirt.Domain, tmpl *config.LibvirtTemplate, bootMB int, sshKey string) error {
	pool, image, err := tmpl.ParseImageReference(d.cfg.ImagePool)
	if err != nil {
		return err
	}
	err = d.createVolume(ctx, b, storage.VolumeSpec{
		Name:          naming.VolumeNameBoot(dom.Name),
		Type:          storage.VolumeTypeBoot,
		Format:        storage.VolumeFormatQCOW2,
		CapacityBytes: storage.MiB(bootMB),
		Backing:       &storage.BackingVolume{Pool: pool, Volume: image},
	})
	if err != nil {
		return err
	}

	ci := &cloudinit.Config{
		InstanceID: uuid.UUID(dom.UUID).String(),
		Hostname:   naming.Hostname(dom.Name),
		MACAddress: naming.MACFromLabel(dom.Name),
		SwapDevice: swapDevice,
	}
	if sshKey != "" {
		ci.SSHKeys = []string{sshKey}
	}
	iso, err := cloudinit.GenerateISO(ci)
	if err != nil {
		return fmt.Errorf("failed to generate cloud-init ISO: %w", err)
	}
	return d.uploadVolume(ctx, b, storage.VolumeSpec{
		Name: naming.VolumeNameCloudInit(dom.Name),
		Type: storage.VolumeTypeCloudInit,
	}, iso)
}

// createVolume creates a volume, records it and waits until the pool
// reports it at full capacity.
func (d *Driver) createVolume(ctx context.Context, b *provider.Build, spec storage.VolumeSpec) error {
	if err := d.storage.CreateVolume(ctx, d.cfg.Pool, spec); err != nil {
		return wrap("create volume "+spec.Name, err)
	}
	d.track(b, spec.Name)
	zerolog.Ctx(ctx).Debug().Str("volume", spec.Name).Uint64("capacity", spec.CapacityBytes).Msg("volume created")
	return d.waitVolume(ctx, b, spec.Name, spec.CapacityBytes)
}

func (d *Driver) uploadVolume(ctx context.Context, b *provider.Build, spec storage.VolumeSpec, data []byte) error {
	if err := d.storage.UploadVolume(ctx, d.cfg.Pool, spec, data); err != nil {
		return wrap("upload volume "+spec.Name, err)
	}
	d.track(b, spec.Name)
	return d.waitVolume(ctx, b, spec.Name, uint64(len(data)))
}

func (d *Driver) track(b *provider.Build, volume string) {
	if b != nil {
		b.Track(backend.Resource{Kind: provider.KindVolume, ID: d.cfg.Pool + "/" + volume, Label: volume})
	}
}

func (d *Driver) waitVolume(ctx context.Context, b *provider.Build, name string, capacity uint64) error {
	if b == nil {
		return nil
	}
	return b.WaitUntil(ctx, fmt.Sprintf("volume %s ready", name), func(ctx context.Context) (bool, error) {
		info, err := d.storage.GetVolume(ctx, d.cfg.Pool, name)
		if errors.Is(err, storage.ErrVolumeNotFound) {
			return false, nil
		}
		if err != nil {
			return false, wrap("get volume "+name, err)
		}
		return info.Capacity >= capacity, nil
	})
}

func (d *Driver) Boot(ctx context.Context, inst *backend.Instance) error {
	dom, err := d.lookup(inst)
	if err != nil {
		return err
	}
	return wrap("start domain", d.client.DomainCreate(dom))
}

// Shutdown asks the guest to power off through ACPI.
func (d *Driver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	dom, err := d.lookup(inst)
	if err != nil {
		return err
	}
	return wrap("shutdown domain", d.client.DomainShutdown(dom))
}

// Destroy powers the domain off, undefines it with its NVRAM and deletes
// the instance volumes. Already missing pieces are skipped.
func (d *Driver) Destroy(ctx context.Context, inst *backend.Instance) error {
	dom, err := d.lookup(inst)
	switch {
	case isNotFound(err):
	case err != nil:
		return err
	default:
		state, _, err := d.client.DomainGetState(dom, 0)
		if err != nil && !vmlibvirt.IsNotFound(err) {
			return wrap("get domain state", err)
		}
		if err == nil && libvirt.DomainState(state) != libvirt.DomainShutoff {
			if err := d.client.DomainDestroy(dom); err != nil && !vmlibvirt.IsNotFound(err) {
				return wrap("destroy domain", err)
			}
		}
		if err := d.client.DomainUndefineFlags(dom, libvirt.DomainUndefineNvram); err != nil && !vmlibvirt.IsNotFound(err) {
			return wrap("undefine domain", err)
		}
	}

	for _, name := range naming.VolumeNames(inst.Label) {
		if err := d.storage.DeleteVolume(ctx, d.cfg.Pool, name); err != nil && !errors.Is(err, storage.ErrVolumeNotFound) {
			return wrap("delete volume "+name, err)
		}
	}
	return nil
}

// Rebuild replaces the boot volume and the cloud-init ISO of an offline
// domain. The domain definition references volumes by name so it is kept;
// only its metadata is updated. The swap volume and the disk budget stay.
func (d *Driver) Rebuild(ctx context.Context, inst *backend.Instance, req provider.CreateRequest) error {
	tmpl, err := d.template(req.Template.Name)
	if err != nil {
		return err
	}
	dom, err := d.lookup(inst)
	if err != nil {
		return err
	}

	meta, err := metadata.Load(d.client, dom)
	if errors.Is(err, metadata.ErrNotFound) {
		meta = &metadata.Instance{
			VCPUs:     tmpl.VCPUs,
			MemoryMiB: tmpl.MemoryMiB,
			DiskMB:    tmpl.DiskGB * 1024,
			SwapMB:    d.cfg.SwapMB,
			Created:   inst.Created,
		}
	} else if err != nil {
		return wrap("load metadata", err)
	}
	bootMB := meta.DiskMB - meta.SwapMB
	if bootMB <= 0 {
		return fmt.Errorf("instance %s has no room left for a boot disk", inst.Label)
	}

	for _, name := range []string{naming.VolumeNameBoot(inst.Label), naming.VolumeNameCloudInit(inst.Label)} {
		if err := d.storage.DeleteVolume(ctx, d.cfg.Pool, name); err != nil && !errors.Is(err, storage.ErrVolumeNotFound) {
			return wrap("delete volume "+name, err)
		}
	}
	if err := d.provisionBoot(ctx, nil, dom, tmpl, bootMB, req.SSHKey); err != nil {
		return err
	}

	meta.Template = tmpl.Name
	if err := metadata.Store(d.client, dom, meta); err != nil {
		return wrap("store metadata", err)
	}
	return wrap("start domain", d.client.DomainCreate(dom))
}

// define renders spec and (re)defines the domain.
func (d *Driver) define(spec vmlibvirt.DomainSpec) (libvirt.Domain, error) {
	xml, err := vmlibvirt.GenerateDomainXML(spec)
	if err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := d.client.DomainDefineXML(xml)
	if err != nil {
		return libvirt.Domain{}, wrap("define domain", err)
	}
	return dom, nil
}

func (d *Driver) lookup(inst *backend.Instance) (libvirt.Domain, error) {
	id, err := uuid.Parse(inst.ID)
	if err != nil {
		return libvirt.Domain{}, fmt.Errorf("invalid domain uuid %q for %s: %w", inst.ID, inst.Label, err)
	}
	dom, err := d.client.DomainLookupByUUID(libvirt.UUID(id))
	if err != nil {
		return libvirt.Domain{}, wrap("lookup domain", err)
	}
	return dom, nil
}

// describe reads the state, metadata and addresses of dom.
func (d *Driver) describe(ctx context.Context, dom libvirt.Domain) (*backend.Instance, error) {
	state, _, err := d.client.DomainGetState(dom, 0)
	if err != nil {
		return nil, wrap("get domain state", err)
	}
	meta, err := metadata.Load(d.client, dom)
	switch {
	case errors.Is(err, metadata.ErrNotFound):
		meta = nil
	case err != nil:
		if vmlibvirt.IsNotFound(err) {
			return nil, wrap("load metadata", err)
		}
		zerolog.Ctx(ctx).Debug().Err(err).Str("domain", dom.Name).Msg("ignoring unreadable metadata")
		meta = nil
	}

	inst := toInstance(dom, libvirt.DomainState(state), meta)
	if libvirt.DomainState(state) == libvirt.DomainRunning {
		inst.Addresses = d.addresses(ctx, dom)
	}
	return inst, nil
}

// addresses returns the IPv4 addresses the DHCP server leased to dom.
func (d *Driver) addresses(ctx context.Context, dom libvirt.Domain) []string {
	ifaces, err := d.client.DomainInterfaceAddresses(dom, uint32(libvirt.DomainInterfaceAddressesSrcLease), 0)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("domain", dom.Name).Msg("no lease information")
		return nil
	}
	var out []string
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			if a.Type == int32(libvirt.IPAddrTypeIpv4) {
				out = append(out, a.Addr)
			}
		}
	}
	return out
}

func (d *Driver) template(name string) (*config.LibvirtTemplate, error) {
	for i := range d.cfg.Templates {
		if d.cfg.Templates[i].Name == name {
			return &d.cfg.Templates[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q on backend %s", backend.ErrTemplateNotFound, name, Name)
}

func toInstance(dom libvirt.Domain, state libvirt.DomainState, meta *metadata.Instance) *backend.Instance {
	inst := &backend.Instance{
		Label:        dom.Name,
		ID:           uuid.UUID(dom.UUID).String(),
		Status:       normalizeStatus(state),
		NativeStatus: stateToString(state),
	}
	if meta != nil {
		inst.Template = meta.Template
		inst.DiskMB = meta.DiskMB
		inst.Created = meta.Created
		inst.Type = fmt.Sprintf("%dvcpu-%dmib", meta.VCPUs, meta.MemoryMiB)
	}
	return inst
}

func normalizeStatus(s libvirt.DomainState) backend.Status {
	switch s {
	case libvirt.DomainRunning:
		return backend.StatusRunning
	case libvirt.DomainShutoff:
		return backend.StatusOffline
	}
	return backend.StatusUnknown
}

func stateToString(s libvirt.DomainState) string {
	switch s {
	case libvirt.DomainNostate:
		return "no state"
	case libvirt.DomainRunning:
		return "running"
	case libvirt.DomainBlocked:
		return "blocked"
	case libvirt.DomainPaused:
		return "paused"
	case libvirt.DomainShutdown:
		return "shutdown"
	case libvirt.DomainShutoff:
		return "shutoff"
	case libvirt.DomainCrashed:
		return "crashed"
	case libvirt.DomainPmsuspended:
		return "pmsuspended"
	}
	return fmt.Sprintf("unknown(%d)", s)
}
