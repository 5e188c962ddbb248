package linode

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/linode/linodego"
	"golang.org/x/oauth2"

	"github.com/jbweber/vmctl/internal/backend"
)

// linodeClient is the subset of *linodego.Client the driver uses.
type linodeClient interface {
	ListInstances(ctx context.Context, opts *linodego.ListOptions) ([]linodego.Instance, error)
	GetInstance(ctx context.Context, linodeID int) (*linodego.Instance, error)
	CreateInstance(ctx context.Context, opts linodego.InstanceCreateOptions) (*linodego.Instance, error)
	DeleteInstance(ctx context.Context, linodeID int) error
	BootInstance(ctx context.Context, linodeID int, configID int) error
	ShutdownInstance(ctx context.Context, linodeID int) error
	RebuildInstance(ctx context.Context, linodeID int, opts linodego.InstanceRebuildOptions) (*linodego.Instance, error)

	CreateInstanceDisk(ctx context.Context, linodeID int, opts linodego.InstanceDiskCreateOptions) (*linodego.InstanceDisk, error)
	GetInstanceDisk(ctx context.Context, linodeID int, diskID int) (*linodego.InstanceDisk, error)
	CreateInstanceConfig(ctx context.Context, linodeID int, opts linodego.InstanceConfigCreateOptions) (*linodego.InstanceConfig, error)

	ListImages(ctx context.Context, opts *linodego.ListOptions) ([]linodego.Image, error)
}

var _ linodeClient = (*linodego.Client)(nil)

// newClient returns an API client authenticating with token.
func newClient(token, baseURL string) *linodego.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	c := linodego.NewClient(&http.Client{
		Transport: &oauth2.Transport{Source: ts},
	})
	if baseURL != "" {
		c.SetBaseURL(baseURL)
	}
	c.SetUserAgent("vmctl")
	return &c
}

// wrap converts a linodego error into a ProviderError carrying the HTTP
// status. 404s also match backend.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	var le *linodego.Error
	if errors.As(err, &le) && le.Code != 0 {
		code = strconv.Itoa(le.Code)
		if le.Code == http.StatusNotFound {
			err = errors.Join(backend.ErrNotFound, err)
		}
	}
	return backend.NewProviderError(Name, op, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
