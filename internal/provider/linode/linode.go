// Package linode drives Linode instances.
//
// Linode cannot resize the boot disk of an instance created from a custom
// image, so instances are assembled in stages: an empty shell, a swap disk,
// a boot disk filling the rest of the plan's disk budget, a boot
// configuration referencing both, and finally a boot.
package linode

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/linode/linodego"
	"github.com/rs/zerolog"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/config"
	"github.com/jbweber/vmctl/internal/provider"
)

// Name is the backend name.
const Name = "linode"

const (
	swapLabel   = "SWAP"
	bootLabel   = "BOOT"
	configLabel = "boot_config"
	rootDevice  = "/dev/sda"
)

func init() {
	backend.Register(Name, Open)
}

// Open is the backend.Factory for Linode.
func Open(ctx context.Context, deps backend.Deps) (backend.Backend, error) {
	token, err := config.Secret(deps.Config.Linode.TokenEnv)
	if err != nil {
		return nil, fmt.Errorf("linode token: %w", err)
	}
	d := New(newClient(token, deps.Config.Linode.URL), deps.Config.Linode)
	return provider.Open(ctx, d, deps)
}

// Driver implements provider.Driver and provider.Rebuilder for Linode.
type Driver struct {
	client linodeClient
	region string
	typ    string
	swapMB int
}

var (
	_ provider.Driver    = (*Driver)(nil)
	_ provider.Rebuilder = (*Driver)(nil)
)

// New returns a driver using client.
func New(client linodeClient, cfg config.LinodeConfig) *Driver {
	return &Driver{client: client, region: cfg.Region, typ: cfg.Type, swapMB: cfg.SwapMB}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) List(ctx context.Context) ([]*backend.Instance, error) {
	list, err := d.client.ListInstances(ctx, nil)
	if err != nil {
		return nil, wrap("list instances", err)
	}
	out := make([]*backend.Instance, 0, len(list))
	for i := range list {
		out = append(out, toInstance(&list[i]))
	}
	return out, nil
}

func (d *Driver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	id, err := linodeID(inst)
	if err != nil {
		return nil, err
	}
	li, err := d.client.GetInstance(ctx, id)
	if err != nil {
		return nil, wrap("get instance", err)
	}
	return toInstance(li), nil
}

func (d *Driver) Templates(ctx context.Context) ([]*backend.Template, error) {
	images, err := d.client.ListImages(ctx, nil)
	if err != nil {
		return nil, wrap("list images", err)
	}
	out := make([]*backend.Template, 0, len(images))
	for _, img := range images {
		out = append(out, &backend.Template{
			Name:        img.Label,
			ID:          img.ID,
			Description: img.Description,
			Image:       img.ID,
			Provider:    Name,
		})
	}
	return out, nil
}

// Create assembles the instance stage by stage.
func (d *Driver) Create(ctx context.Context, b *provider.Build) (*backend.Instance, error) {
	var li *linodego.Instance
	err := b.Stage(ctx, "shell", fmt.Sprintf("Creating an empty instance '%s'", b.Label), func(ctx context.Context) error {
		booted := false
		created, err := d.client.CreateInstance(ctx, linodego.InstanceCreateOptions{
			Label:  b.Label,
			Region: d.region,
			Type:   d.typ,
			Booted: &booted,
		})
		if err != nil {
			return wrap("create instance", err)
		}
		li = created
		if err := b.Created(toInstance(li)); err != nil {
			return err
		}
		return b.WaitStatus(ctx, backend.StatusOffline)
	})
	if err != nil {
		return nil, err
	}

	if li.Specs == nil || li.Specs.Disk == 0 {
		full, err := d.client.GetInstance(ctx, li.ID)
		if err != nil {
			return nil, &backend.StageError{Label: b.Label, Stage: "shell", Orphans: b.Orphans(), Err: wrap("get instance", err)}
		}
		li = full
	}
	bootMB := li.Specs.Disk - d.swapMB
	if bootMB <= 0 {
		return nil, &backend.StageError{
			Label:   b.Label,
			Stage:   "swap",
			Orphans: b.Orphans(),
			Err:     fmt.Errorf("plan %s has %d MB of disk, not enough for %d MB of swap", li.Type, li.Specs.Disk, d.swapMB),
		}
	}

	var swap *linodego.InstanceDisk
	err = b.Stage(ctx, "swap", "Creating a new swap disk", func(ctx context.Context) error {
		var err error
		swap, err = d.createDisk(ctx, b, li.ID, linodego.InstanceDiskCreateOptions{
			Label:      swapLabel,
			Size:       d.swapMB,
			Filesystem: string(linodego.FilesystemSwap),
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	var boot *linodego.InstanceDisk
	err = b.Stage(ctx, "boot-disk", "Creating a new boot disk", func(ctx context.Context) error {
		rootPass, err := rootPassword()
		if err != nil {
			return err
		}
		opts := linodego.InstanceDiskCreateOptions{
			Label:    bootLabel,
			Size:     bootMB,
			Image:    b.Template.ID,
			RootPass: rootPass,
		}
		if b.SSHKey != "" {
			opts.AuthorizedKeys = []string{b.SSHKey}
		}
		boot, err = d.createDisk(ctx, b, li.ID, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	var cfg *linodego.InstanceConfig
	err = b.Stage(ctx, "config", "Creating the boot configuration", func(ctx context.Context) error {
		root := rootDevice
		created, err := d.client.CreateInstanceConfig(ctx, li.ID, linodego.InstanceConfigCreateOptions{
			Label: configLabel,
			Devices: linodego.InstanceConfigDeviceMap{
				SDA: &linodego.InstanceConfigDevice{DiskID: boot.ID},
				SDB: &linodego.InstanceConfigDevice{DiskID: swap.ID},
			},
			RootDevice: &root,
		})
		if err != nil {
			return wrap("create config", err)
		}
		cfg = created
		b.Track(backend.Resource{Kind: provider.KindConfig, ID: strconv.Itoa(cfg.ID), Label: configLabel})
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = b.Stage(ctx, "boot", fmt.Sprintf("Booting instance '%s'", b.Label), func(ctx context.Context) error {
		return wrap("boot instance", d.client.BootInstance(ctx, li.ID, cfg.ID))
	})
	if err != nil {
		return nil, err
	}

	inst := toInstance(li)
	inst.Status = backend.StatusProvisioning
	inst.Template = b.Template.Name
	return inst, nil
}

// createDisk creates a disk, records it and waits until Linode reports it
// ready.
func (d *Driver) createDisk(ctx context.Context, b *provider.Build, linodeID int, opts linodego.InstanceDiskCreateOptions) (*linodego.InstanceDisk, error) {
	disk, err := d.client.CreateInstanceDisk(ctx, linodeID, opts)
	if err != nil {
		return nil, wrap("create disk "+opts.Label, err)
	}
	b.Track(backend.Resource{Kind: provider.KindDisk, ID: strconv.Itoa(disk.ID), Label: opts.Label})

	zerolog.Ctx(ctx).Debug().Int("disk_id", disk.ID).Str("disk", opts.Label).Int("size_mb", opts.Size).Msg("disk created")

	err = b.WaitUntil(ctx, fmt.Sprintf("disk %s ready", opts.Label), func(ctx context.Context) (bool, error) {
		cur, err := d.client.GetInstanceDisk(ctx, linodeID, disk.ID)
		if err != nil {
			return false, wrap("get disk "+opts.Label, err)
		}
		switch cur.Status {
		case linodego.DiskReady:
			return true, nil
		case linodego.DiskDeleting:
			return false, fmt.Errorf("disk %s is being deleted", opts.Label)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return disk, nil
}

func (d *Driver) Boot(ctx context.Context, inst *backend.Instance) error {
	id, err := linodeID(inst)
	if err != nil {
		return err
	}
	return wrap("boot instance", d.client.BootInstance(ctx, id, 0))
}

func (d *Driver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	id, err := linodeID(inst)
	if err != nil {
		return err
	}
	return wrap("shutdown instance", d.client.ShutdownInstance(ctx, id))
}

func (d *Driver) Destroy(ctx context.Context, inst *backend.Instance) error {
	id, err := linodeID(inst)
	if err != nil {
		return err
	}
	if err := wrap("delete instance", d.client.DeleteInstance(ctx, id)); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Rebuild re-images the instance. Linode boots it once the new disks are
// ready.
func (d *Driver) Rebuild(ctx context.Context, inst *backend.Instance, req provider.CreateRequest) error {
	id, err := linodeID(inst)
	if err != nil {
		return err
	}
	rootPass, err := rootPassword()
	if err != nil {
		return err
	}
	booted := true
	opts := linodego.InstanceRebuildOptions{
		Image:    req.Template.ID,
		RootPass: rootPass,
		Booted:   &booted,
	}
	if req.SSHKey != "" {
		opts.AuthorizedKeys = []string{req.SSHKey}
	}
	_, err = d.client.RebuildInstance(ctx, id, opts)
	return wrap("rebuild instance", err)
}

func linodeID(inst *backend.Instance) (int, error) {
	id, err := strconv.Atoi(inst.ID)
	if err != nil {
		return 0, fmt.Errorf("invalid linode id %q for %s: %w", inst.ID, inst.Label, err)
	}
	return id, nil
}

// rootPassword returns a random root password. Login happens through the
// SSH key; the password is never shown or logged.
func rootPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate root password: %w", err)
	}
	return "Vm1!" + base64.RawURLEncoding.EncodeToString(buf), nil
}

func toInstance(li *linodego.Instance) *backend.Instance {
	inst := &backend.Instance{
		Label:        li.Label,
		ID:           strconv.Itoa(li.ID),
		Status:       normalizeStatus(li.Status),
		NativeStatus: string(li.Status),
		Region:       li.Region,
		Type:         li.Type,
		Template:     li.Image,
	}
	for _, ip := range li.IPv4 {
		if ip != nil {
			inst.Addresses = append(inst.Addresses, ip.String())
		}
	}
	if li.Specs != nil {
		inst.DiskMB = li.Specs.Disk
	}
	if li.Created != nil {
		inst.Created = *li.Created
	}
	return inst
}

func normalizeStatus(s linodego.InstanceStatus) backend.Status {
	switch s {
	case linodego.InstanceProvisioning:
		return backend.StatusProvisioning
	case linodego.InstanceOffline:
		return backend.StatusOffline
	case linodego.InstanceRunning:
		return backend.StatusRunning
	case linodego.InstanceDeleting:
		return backend.StatusDeleting
	}
	return backend.StatusUnknown
}
