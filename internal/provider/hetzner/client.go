package hetzner

import (
	"context"
	"errors"

	"github.com/hetznercloud/hcloud-go/hcloud"

	"github.com/jbweber/vmctl/internal/backend"
)

// serverClient is the part of the Hetzner Cloud API the driver uses.
type serverClient interface {
	ListServers(ctx context.Context) ([]*hcloud.Server, error)
	GetServer(ctx context.Context, id int) (*hcloud.Server, error)
	CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error)
	DeleteServer(ctx context.Context, id int) error
	PowerOn(ctx context.Context, id int) error
	Shutdown(ctx context.Context, id int) error
	Rebuild(ctx context.Context, id int, image *hcloud.Image) error

	ListImages(ctx context.Context) ([]*hcloud.Image, error)
	KeyByFingerprint(ctx context.Context, fingerprint string) (*hcloud.SSHKey, error)
	CreateKey(ctx context.Context, opts hcloud.SSHKeyCreateOpts) (*hcloud.SSHKey, error)
}

// hcloudClient adapts *hcloud.Client to serverClient. hcloud reports a
// missing resource as a nil result; the adapter turns that into a
// not_found error.
type hcloudClient struct {
	c *hcloud.Client
}

var _ serverClient = (*hcloudClient)(nil)

func newClient(token, endpoint string) *hcloudClient {
	opts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("vmctl", ""),
	}
	if endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(endpoint))
	}
	return &hcloudClient{c: hcloud.NewClient(opts...)}
}

func notFoundError(what string) error {
	return hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: what + " not found"}
}

func (h *hcloudClient) ListServers(ctx context.Context) ([]*hcloud.Server, error) {
	return h.c.Server.All(ctx)
}

func (h *hcloudClient) GetServer(ctx context.Context, id int) (*hcloud.Server, error) {
	s, _, err := h.c.Server.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, notFoundError("server")
	}
	return s, nil
}

func (h *hcloudClient) CreateServer(ctx context.Context, opts hcloud.ServerCreateOpts) (*hcloud.Server, error) {
	res, _, err := h.c.Server.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	return res.Server, nil
}

func (h *hcloudClient) DeleteServer(ctx context.Context, id int) error {
	_, err := h.c.Server.Delete(ctx, &hcloud.Server{ID: id})
	return err
}

func (h *hcloudClient) PowerOn(ctx context.Context, id int) error {
	_, _, err := h.c.Server.Poweron(ctx, &hcloud.Server{ID: id})
	return err
}

func (h *hcloudClient) Shutdown(ctx context.Context, id int) error {
	_, _, err := h.c.Server.Shutdown(ctx, &hcloud.Server{ID: id})
	return err
}

func (h *hcloudClient) Rebuild(ctx context.Context, id int, image *hcloud.Image) error {
	_, _, err := h.c.Server.Rebuild(ctx, &hcloud.Server{ID: id}, hcloud.ServerRebuildOpts{Image: image})
	return err
}

// ListImages returns the system images and the project's snapshots.
func (h *hcloudClient) ListImages(ctx context.Context) ([]*hcloud.Image, error) {
	return h.c.Image.AllWithOpts(ctx, hcloud.ImageListOpts{
		Type:   []hcloud.ImageType{hcloud.ImageTypeSystem, hcloud.ImageTypeSnapshot},
		Status: []hcloud.ImageStatus{hcloud.ImageStatusAvailable},
	})
}

func (h *hcloudClient) KeyByFingerprint(ctx context.Context, fingerprint string) (*hcloud.SSHKey, error) {
	k, _, err := h.c.SSHKey.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, notFoundError("ssh key")
	}
	return k, nil
}

func (h *hcloudClient) CreateKey(ctx context.Context, opts hcloud.SSHKeyCreateOpts) (*hcloud.SSHKey, error) {
	k, _, err := h.c.SSHKey.Create(ctx, opts)
	return k, err
}

// wrap converts an hcloud error into a ProviderError carrying the API error
// code. not_found also matches backend.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	var he hcloud.Error
	if errors.As(err, &he) {
		code = string(he.Code)
		if he.Code == hcloud.ErrorCodeNotFound {
			err = errors.Join(backend.ErrNotFound, err)
		}
	}
	return backend.NewProviderError(Name, op, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
