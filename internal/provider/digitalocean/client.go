package digitalocean

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	"github.com/jbweber/vmctl/internal/backend"
)

// dropletClient is the part of the DigitalOcean API the driver uses.
type dropletClient interface {
	ListDroplets(ctx context.Context) ([]godo.Droplet, error)
	GetDroplet(ctx context.Context, id int) (*godo.Droplet, error)
	CreateDroplet(ctx context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, error)
	DeleteDroplet(ctx context.Context, id int) error
	PowerOn(ctx context.Context, id int) error
	Shutdown(ctx context.Context, id int) error
	Rebuild(ctx context.Context, id int, image godo.DropletCreateImage) error

	ListImages(ctx context.Context) ([]godo.Image, error)
	KeyByFingerprint(ctx context.Context, fingerprint string) (*godo.Key, error)
	CreateKey(ctx context.Context, req *godo.KeyCreateRequest) (*godo.Key, error)
}

// godoClient adapts *godo.Client to dropletClient, following pagination.
type godoClient struct {
	c *godo.Client
}

var _ dropletClient = (*godoClient)(nil)

// newClient returns an API client authenticating with token.
func newClient(token, baseURL string) (*godoClient, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	opts := []godo.ClientOpt{godo.SetUserAgent("vmctl")}
	if baseURL != "" {
		opts = append(opts, godo.SetBaseURL(baseURL))
	}
	c, err := godo.New(oauth2.NewClient(context.Background(), ts), opts...)
	if err != nil {
		return nil, err
	}
	return &godoClient{c: c}, nil
}

const perPage = 200

func (g *godoClient) ListDroplets(ctx context.Context) ([]godo.Droplet, error) {
	var out []godo.Droplet
	opt := &godo.ListOptions{PerPage: perPage}
	for {
		page, resp, err := g.c.Droplets.List(ctx, opt)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if resp.Links == nil || resp.Links.IsLastPage() {
			return out, nil
		}
		cur, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, err
		}
		opt.Page = cur + 1
	}
}

func (g *godoClient) GetDroplet(ctx context.Context, id int) (*godo.Droplet, error) {
	d, _, err := g.c.Droplets.Get(ctx, id)
	return d, err
}

func (g *godoClient) CreateDroplet(ctx context.Context, req *godo.DropletCreateRequest) (*godo.Droplet, error) {
	d, _, err := g.c.Droplets.Create(ctx, req)
	return d, err
}

func (g *godoClient) DeleteDroplet(ctx context.Context, id int) error {
	_, err := g.c.Droplets.Delete(ctx, id)
	return err
}

func (g *godoClient) PowerOn(ctx context.Context, id int) error {
	_, _, err := g.c.DropletActions.PowerOn(ctx, id)
	return err
}

func (g *godoClient) Shutdown(ctx context.Context, id int) error {
	_, _, err := g.c.DropletActions.Shutdown(ctx, id)
	return err
}

func (g *godoClient) Rebuild(ctx context.Context, id int, image godo.DropletCreateImage) error {
	var err error
	if image.Slug != "" {
		_, _, err = g.c.DropletActions.RebuildByImageSlug(ctx, id, image.Slug)
	} else {
		_, _, err = g.c.DropletActions.RebuildByImageID(ctx, id, image.ID)
	}
	return err
}

// ListImages returns the distribution images and the account's own
// snapshots.
func (g *godoClient) ListImages(ctx context.Context) ([]godo.Image, error) {
	var out []godo.Image
	for _, list := range []func(context.Context, *godo.ListOptions) ([]godo.Image, *godo.Response, error){
		g.c.Images.ListDistribution,
		g.c.Images.ListUser,
	} {
		opt := &godo.ListOptions{PerPage: perPage}
		for {
			page, resp, err := list(ctx, opt)
			if err != nil {
				return nil, err
			}
			out = append(out, page...)
			if resp.Links == nil || resp.Links.IsLastPage() {
				break
			}
			cur, err := resp.Links.CurrentPage()
			if err != nil {
				return nil, err
			}
			opt.Page = cur + 1
		}
	}
	return out, nil
}

func (g *godoClient) KeyByFingerprint(ctx context.Context, fingerprint string) (*godo.Key, error) {
	k, _, err := g.c.Keys.GetByFingerprint(ctx, fingerprint)
	return k, err
}

func (g *godoClient) CreateKey(ctx context.Context, req *godo.KeyCreateRequest) (*godo.Key, error) {
	k, _, err := g.c.Keys.Create(ctx, req)
	return k, err
}

// wrap converts a godo error into a ProviderError carrying the HTTP status.
// 404s also match backend.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	var er *godo.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		code = strconv.Itoa(er.Response.StatusCode)
		if er.Response.StatusCode == http.StatusNotFound {
			err = errors.Join(backend.ErrNotFound, err)
		}
	}
	return backend.NewProviderError(Name, op, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
