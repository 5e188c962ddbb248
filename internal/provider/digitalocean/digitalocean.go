// Package digitalocean drives DigitalOcean droplets.
//
// Droplets are created from an image in a single call, so the staged
// creation is reduced to registering the SSH key and creating the droplet.
package digitalocean

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/digitalocean/godo"

	"github.com/jbweber/vmctl/internal/backend"
	"github.com/jbweber/vmctl/internal/config"
	"github.com/jbweber/vmctl/internal/provider"
)

// Name is the backend name.
const Name = "digitalocean"

func init() {
	backend.Register(Name, Open)
}

// Open is the backend.Factory for DigitalOcean.
func Open(ctx context.Context, deps backend.Deps) (backend.Backend, error) {
	token, err := config.Secret(deps.Config.DigitalOcean.TokenEnv)
	if err != nil {
		return nil, fmt.Errorf("digitalocean token: %w", err)
	}
	client, err := newClient(token, "")
	if err != nil {
		return nil, fmt.Errorf("digitalocean client: %w", err)
	}
	return provider.Open(ctx, New(client, deps.Config.DigitalOcean), deps)
}

// Driver implements provider.Driver and provider.Rebuilder for DigitalOcean.
type Driver struct {
	client dropletClient
	region string
	size   string
}

var (
	_ provider.Driver    = (*Driver)(nil)
	_ provider.Rebuilder = (*Driver)(nil)
)

// New returns a driver using client.
func New(client dropletClient, cfg config.DigitalOceanConfig) *Driver {
	return &Driver{client: client, region: cfg.Region, size: cfg.Size}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) List(ctx context.Context) ([]*backend.Instance, error) {
	list, err := d.client.ListDroplets(ctx)
	if err != nil {
		return nil, wrap("list droplets", err)
	}
	out := make([]*backend.Instance, 0, len(list))
	for i := range list {
		out = append(out, toInstance(&list[i]))
	}
	return out, nil
}

func (d *Driver) Get(ctx context.Context, inst *backend.Instance) (*backend.Instance, error) {
	id, err := dropletID(inst)
	if err != nil {
		return nil, err
	}
	drop, err := d.client.GetDroplet(ctx, id)
	if err != nil {
		return nil, wrap("get droplet", err)
	}
	return toInstance(drop), nil
}

// Templates lists distribution images by slug and private snapshots by id.
func (d *Driver) Templates(ctx context.Context) ([]*backend.Template, error) {
	images, err := d.client.ListImages(ctx)
	if err != nil {
		return nil, wrap("list images", err)
	}
	out := make([]*backend.Template, 0, len(images))
	for _, img := range images {
		id := strconv.Itoa(img.ID)
		out = append(out, &backend.Template{
			Name:        templateName(&img),
			ID:          id,
			Description: img.Distribution + " " + img.Name,
			Image:       imageRef(img.Slug, id),
			Provider:    Name,
		})
	}
	return out, nil
}

func (d *Driver) Create(ctx context.Context, b *provider.Build) (*backend.Instance, error) {
	req := &godo.DropletCreateRequest{
		Name:   b.Label,
		Region: d.region,
		Size:   d.size,
		Tags:   []string{"vmctl"},
	}
	image, err := createImage(b.Template)
	if err != nil {
		return nil, err
	}
	req.Image = image

	if b.SSHKey != "" {
		err := b.Stage(ctx, "key", "Registering the SSH key", func(ctx context.Context) error {
			fp, err := d.ensureKey(ctx, b, b.Label, b.SSHKey)
			if err != nil {
				return err
			}
			req.SSHKeys = []godo.DropletCreateSSHKey{{Fingerprint: fp}}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	var drop *godo.Droplet
	err = b.Stage(ctx, "create", fmt.Sprintf("Creating instance '%s'", b.Label), func(ctx context.Context) error {
		var err error
		drop, err = d.client.CreateDroplet(ctx, req)
		if err != nil {
			return wrap("create droplet", err)
		}
		return b.Created(toInstance(drop))
	})
	if err != nil {
		return nil, err
	}

	inst := toInstance(drop)
	inst.Template = b.Template.Name
	return inst, nil
}

// ensureKey returns the fingerprint of key, registering it first when the
// account does not know it yet.
func (d *Driver) ensureKey(ctx context.Context, b *provider.Build, label, key string) (string, error) {
	fp, err := backend.SSHKeyFingerprint(key)
	if err != nil {
		return "", err
	}
	existing, err := d.client.KeyByFingerprint(ctx, fp)
	switch err := wrap("get key", err); {
	case err == nil && existing != nil:
		return existing.Fingerprint, nil
	case err != nil && !isNotFound(err):
		return "", err
	}
	created, err := d.client.CreateKey(ctx, &godo.KeyCreateRequest{Name: "vmctl-" + label, PublicKey: key})
	if err != nil {
		return "", wrap("create key", err)
	}
	if b != nil {
		b.Track(backend.Resource{Kind: provider.KindKey, ID: strconv.Itoa(created.ID), Label: created.Name})
	}
	return created.Fingerprint, nil
}

func (d *Driver) Boot(ctx context.Context, inst *backend.Instance) error {
	id, err := dropletID(inst)
	if err != nil {
		return err
	}
	return wrap("power on droplet", d.client.PowerOn(ctx, id))
}

func (d *Driver) Shutdown(ctx context.Context, inst *backend.Instance) error {
	id, err := dropletID(inst)
	if err != nil {
		return err
	}
	return wrap("shutdown droplet", d.client.Shutdown(ctx, id))
}

func (d *Driver) Destroy(ctx context.Context, inst *backend.Instance) error {
	id, err := dropletID(inst)
	if err != nil {
		return err
	}
	if err := wrap("delete droplet", d.client.DeleteDroplet(ctx, id)); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Rebuild re-images the droplet. A key change is not applied: DigitalOcean
// keeps the keys the droplet was created with.
func (d *Driver) Rebuild(ctx context.Context, inst *backend.Instance, req provider.CreateRequest) error {
	id, err := dropletID(inst)
	if err != nil {
		return err
	}
	image, err := createImage(req.Template)
	if err != nil {
		return err
	}
	return wrap("rebuild droplet", d.client.Rebuild(ctx, id, image))
}

// templateName is the name a template is listed under: the slug for
// distribution images, the image name for snapshots.
func templateName(img *godo.Image) string {
	if img.Slug != "" {
		return img.Slug
	}
	return img.Name
}

// imageRef is the Image field of a template: the slug when there is one,
// otherwise the numeric id.
func imageRef(slug, id string) string {
	if slug != "" {
		return slug
	}
	return id
}

func createImage(t *backend.Template) (godo.DropletCreateImage, error) {
	if id, err := strconv.Atoi(t.Image); err == nil {
		return godo.DropletCreateImage{ID: id}, nil
	}
	if t.Image == "" {
		return godo.DropletCreateImage{}, fmt.Errorf("template %s has no image", t.Name)
	}
	return godo.DropletCreateImage{Slug: t.Image}, nil
}

func dropletID(inst *backend.Instance) (int, error) {
	id, err := strconv.Atoi(inst.ID)
	if err != nil {
		return 0, fmt.Errorf("invalid droplet id %q for %s: %w", inst.ID, inst.Label, err)
	}
	return id, nil
}

func toInstance(drop *godo.Droplet) *backend.Instance {
	inst := &backend.Instance{
		Label:        drop.Name,
		ID:           strconv.Itoa(drop.ID),
		Status:       normalizeStatus(drop.Status),
		NativeStatus: drop.Status,
		Type:         drop.SizeSlug,
		DiskMB:       drop.Disk * 1024,
	}
	if drop.Region != nil {
		inst.Region = drop.Region.Slug
	}
	if drop.Image != nil {
		inst.Template = templateName(drop.Image)
	}
	if ip, err := drop.PublicIPv4(); err == nil && ip != "" {
		inst.Addresses = append(inst.Addresses, ip)
	}
	if ip, err := drop.PublicIPv6(); err == nil && ip != "" {
		inst.Addresses = append(inst.Addresses, ip)
	}
	if t, err := time.Parse(time.RFC3339, drop.Created); err == nil {
		inst.Created = t
	}
	return inst
}

func normalizeStatus(s string) backend.Status {
	switch s {
	case "new":
		return backend.StatusProvisioning
	case "active":
		return backend.StatusRunning
	case "off":
		return backend.StatusOffline
	case "archive":
		return backend.StatusDeleting
	}
	return backend.StatusUnknown
}
