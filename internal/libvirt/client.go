package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	defaultSystemSocket = "/var/run/libvirt/libvirt-sock"
	defaultTimeout      = 5 * time.Second
)

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Endpoint is a parsed connection URI.
type Endpoint struct {
	// Dialer reaches the daemon.
	Dialer socket.Dialer
	// Driver is the hypervisor URI sent once connected (qemu:///system).
	Driver libvirt.ConnectURI
	// Address is a printable form of where the daemon lives.
	Address string
}

// ParseURI maps a libvirt connection URI onto a dialer. Supported forms:
//
//	qemu:///system                      local socket
//	qemu:///session                     per-user socket
//	qemu+unix:///system?socket=/path    explicit socket
//	qemu+tcp://host[:port]/system       plain TCP
func ParseURI(uri string, timeout time.Duration) (*Endpoint, error) {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid libvirt URI %q: %w", uri, err)
	}

	var path libvirt.ConnectURI
	switch u.Path {
	case "/system", "":
		path = libvirt.QEMUSystem
	case "/session":
		path = libvirt.QEMUSession
	default:
		return nil, fmt.Errorf("invalid libvirt URI %q: unknown path %q", uri, u.Path)
	}

	switch u.Scheme {
	case "qemu", "qemu+unix":
		if u.Host != "" {
			return nil, fmt.Errorf("invalid libvirt URI %q: a local URI has no host", uri)
		}
		sock := u.Query().Get("socket")
		if sock == "" {
			sock = defaultSocket(path)
		}
		return &Endpoint{
			Dialer:  dialers.NewLocal(dialers.WithSocket(sock), dialers.WithLocalTimeout(timeout)),
			Driver:  path,
			Address: sock,
		}, nil
	case "qemu+tcp":
		if u.Hostname() == "" {
			return nil, fmt.Errorf("invalid libvirt URI %q: host is required", uri)
		}
		opts := []dialers.RemoteOption{dialers.WithRemoteTimeout(timeout)}
		if p := u.Port(); p != "" {
			opts = append(opts, dialers.UsePort(p))
		}
		return &Endpoint{
			Dialer:  dialers.NewRemote(u.Hostname(), opts...),
			Driver:  path,
			Address: u.Host,
		}, nil
	}
	return nil, fmt.Errorf("unsupported libvirt transport %q (use qemu, qemu+unix or qemu+tcp)", u.Scheme)
}

func defaultSocket(path libvirt.ConnectURI) string {
	if path == libvirt.QEMUSession {
		dir := os.Getenv("XDG_RUNTIME_DIR")
		if dir == "" {
			dir = filepath.Join(os.TempDir(), fmt.Sprintf("libvirt-%d", os.Getuid()))
		}
		return filepath.Join(dir, "libvirt", "libvirt-sock")
	}
	return defaultSystemSocket
}

// Connect establishes a connection to the libvirt daemon named by uri. The
// returned Client must be closed. A zero timeout means 5 seconds.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*Client, error) {
	ep, err := ParseURI(uri, timeout)
	if err != nil {
		return nil, err
	}

	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)
	go func() {
		l := libvirt.NewWithDialer(ep.Dialer)
		if err := l.ConnectToURI(ep.Driver); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", ep.Address, err)}
			return
		}
		resultCh <- result{client: &Client{libvirt: l}}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection. It is safe to call Close multiple
// times.
func (c *Client) Close() error {
	if c == nil || c.libvirt == nil {
		return nil
	}
	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Libvirt returns the underlying go-libvirt client.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c == nil || c.libvirt == nil {
		return errors.New("client not connected")
	}
	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is libvirt's "no such domain, volume or
// pool" error.
func IsNotFound(err error) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	switch libvirt.ErrorNumber(lerr.Code) {
	case libvirt.ErrNoDomain, libvirt.ErrNoStorageVol, libvirt.ErrNoStoragePool:
		return true
	}
	return false
}

// ErrorCode returns the numeric libvirt error code carried by err.
func ErrorCode(err error) (uint32, bool) {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code, true
	}
	return 0, false
}
