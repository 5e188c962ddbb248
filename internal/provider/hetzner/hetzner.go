// Package hetzner drives Hetzner Cloud servers.
package hetzner

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/hcloud"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/config"
	"github.com/jbweber/vmctl/internal/provider"
)

// Name is the backend name.
const Name = "hetzner"

// managedLabel marks servers created by vmctl.
const managedLabel = "managed-by"

func init() {
	backend.Register(Name, Open)
}

// Open is the backend.Factory for Hetzner Cloud.
func Open(ctx context.Context, deps backend.Deps) (backend.Backend, error) {
	token, err := config.Secret(deps.Config.Hetzner.TokenEnv)
	if err != nil {
		return nil, fmt.Errorf("hetzner token: %w", err)
	}
	return provider.Open(ctx, New(newClient(token, ""), deps.Config.Hetzner), deps)
}

// Driver implements provider.Driver and provider.Rebuilder for Hetzner.
type Driver struct {
	client     serverClient
	location   string
	serverType string
}

var (
	_ provider.Driver    = (*Driver)(nil)
	_ provider.Rebuilder = (*Driver)(nil)
)

// New returns a driver using client.
func New(client serverClient, cfg config.HetznerConfig) *Driver {
	return &Driver{client: client, location: cfg.Location, serverType: cfg.ServerType}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) List(ctx context.Context) ([]*backend.Instance, error) {
	servers, err := d.client.ListServers(ctx)
	if err != nil {
		return nil, wrap("list servers", err)
	}
	out := make([]*backend.Instance, 0, len(servers))
	for _, s := range servers {
		out = append(out, toInstance(s))
	}
	return out, nil
}

func (d *Driver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	id, err := serverID(inst)
	if err != nil {
		return nil, err
	}
	s, err := d.client.GetServer(ctx, id)
	if err != nil {
		return nil, wrap("get server", err)
	}
	return toInstance(s), nil
}

// Templates lists system images by name and snapshots by description.
func (d *Driver) Templates(ctx context.Context) ([]*backend.Template, error) {
	images, err := d.client.ListImages(ctx)
	if err != nil {
		return nil, wrap("list images", err)
	}
	out := make([]*backend.Template, 0, len(images))
	for _, img := range images {
		out = append(out, &backend.Template{
			Name:        imageName(img),
			ID:          strconv.Itoa(img.ID),
			Description: img.Description,
			Image:       strconv.Itoa(img.ID),
			Provider:    Name,
		})
	}
	return out, nil
}

func (d *Driver) Create(ctx context.Context, b *provider.Build) (*backend.Instance, error) {
	image, err := templateImage(b.Template)
	if err != nil {
		return nil, err
	}
	start := true
	opts := hcloud.ServerCreateOpts{
		Name:             b.Label,
		ServerType:       &hcloud.ServerType{Name: d.serverType},
		Image:            image,
		Location:         &hcloud.Location{Name: d.location},
		StartAfterCreate: &start,
		Labels:           map[string]string{managedLabel: "vmctl"},
	}

	if b.SSHKey != "" {
		err := b.Stage(ctx, "key", "Registering the SSH key", func(ctx context.Context) error {
			key, err := d.ensureKey(ctx, b, b.Label, b.SSHKey)
			if err != nil {
				return err
			}
			opts.SSHKeys = []*hcloud.SSHKey{key}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var server *hcloud.Server
	err = b.Stage(ctx, "create", fmt.Sprintf("Creating instance '%s'", b.Label), func(ctx context.Context) error {
		var err error
		server, err = d.client.CreateServer(ctx, opts)
		if err != nil {
			return wrap("create server", err)
		}
		return b.Created(toInstance(server))
	})
	if err != nil {
		return nil, err
	}

	inst := toInstance(server)
	inst.Template = b.Template.Name
	return inst, nil
}

// ensureKey returns the project key matching key, uploading it first when
// the project does not know it yet.
func (d *Driver) ensureKey(ctx context.Context, b *provider.Build, label, key string) (*hcloud.SSHKey, error) {
	fp, err := backend.SSHKeyFingerprint(key)
	if err != nil {
		return nil, err
	}
	existing, err := d.client.KeyByFingerprint(ctx, fp)
	switch err := wrap("get ssh key", err); {
	case err == nil && existing != nil:
		return existing, nil
	case err != nil && !isNotFound(err):
		return nil, err
	}
	created, err := d.client.CreateKey(ctx, hcloud.SSHKeyCreateOpts{
		Name:      "vmctl-" + label,
		PublicKey: key,
		Labels:    map[string]string{managedLabel: "vmctl"},
	})
	if err != nil {
		return nil, wrap("create ssh key", err)
	}
	if b != nil {
		b.Track(backend.Resource{Kind: provider.KindKey, ID: strconv.Itoa(created.ID), Label: created.Name})
	}
	return created, nil
}

func (d *Driver) Boot(ctx context.Context, inst *backend.Instance) error {
	id, err := serverID(inst)
	if err != nil {
		return err
	}
	return wrap("power on server", d.client.PowerOn(ctx, id))
}

// Shutdown sends an ACPI shutdown request.
func (d *Driver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	id, err := serverID(inst)
	if err != nil {
		return err
	}
	return wrap("shutdown server", d.client.Shutdown(ctx, id))
}

func (d *Driver) Destroy(ctx context.Context, inst *backend.Instance) error {
	id, err := serverID(inst)
	if err != nil {
		return err
	}
	if err := wrap("delete server", d.client.DeleteServer(ctx, id)); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Rebuild re-images the server. Hetzner keeps the keys the server was
// created with and powers it on afterwards.
func (d *Driver) Rebuild(ctx context.Context, inst *backend.Instance, req provider.CreateRequest) error {
	id, err := serverID(inst)
	if err != nil {
		return err
	}
	image, err := templateImage(req.Template)
	if err != nil {
		return err
	}
	return wrap("rebuild server", d.client.Rebuild(ctx, id, image))
}

func templateImage(t *backend.Template) (*hcloud.Image, error) {
	id, err := strconv.Atoi(t.Image)
	if err != nil {
		return nil, fmt.Errorf("template %s has invalid image %q", t.Name, t.Image)
	}
	return &hcloud.Image{ID: id}, nil
}

// imageName is the template name of an image: system images have a name,
// snapshots only a description.
func imageName(img *hcloud.Image) string {
	if img.Name != "" {
		return img.Name
	}
	return img.Description
}

func serverID(inst *backend.Instance) (int, error) {
	id, err := strconv.Atoi(inst.ID)
	if err != nil {
		return 0, fmt.Errorf("invalid server id %q for %s: %w", inst.ID, inst.Label, err)
	}
	return id, nil
}

func toInstance(s *hcloud.Server) *backend.Instance {
	inst := &backend.Instance{
		Label:        s.Name,
		ID:           strconv.Itoa(s.ID),
		Status:       normalizeStatus(s.Status),
		NativeStatus: string(s.Status),
		Created:      s.Created,
	}
	if s.ServerType != nil {
		inst.Type = s.ServerType.Name
		inst.DiskMB = s.ServerType.Disk * 1024
	}
	if s.PrimaryDiskSize > 0 {
		inst.DiskMB = s.PrimaryDiskSize * 1024
	}
	if s.Datacenter != nil && s.Datacenter.Location != nil {
		inst.Region = s.Datacenter.Location.Name
	}
	if s.Image != nil {
		inst.Template = imageName(s.Image)
	}
	if ip := s.PublicNet.IPv4.IP; ip != nil {
		inst.Addresses = append(inst.Addresses, ip.String())
	}
	if ip := s.PublicNet.IPv6.IP; ip != nil {
		inst.Addresses = append(inst.Addresses, ip.String())
	}
	return inst
}

func normalizeStatus(s hcloud.ServerStatus) backend.Status {
	switch s {
	case hcloud.ServerStatusInitializing, hcloud.ServerStatusStarting, hcloud.ServerStatusRebuilding:
		return backend.StatusProvisioning
	case hcloud.ServerStatusRunning:
		return backend.StatusRunning
	case hcloud.ServerStatusOff:
		return backend.StatusOffline
	case hcloud.ServerStatusStopping, hcloud.ServerStatusDeleting:
		return backend.StatusDeleting
	}
	return backend.StatusUnknown
}
