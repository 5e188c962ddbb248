package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"sync"
)

// qemuConf is where libvirt configures the user QEMU runs as.
var qemuConf = "/etc/libvirt/qemu.conf"

var (
	qemuOnce sync.Once
	qemuUID  string
	qemuGID  string
	qemuErr  error
)

// GetQEMUUserGroup returns the UID and GID of the QEMU process user, for
// volume and pool permissions. It tries, in order: the user and group set
// in qemu.conf, the common "qemu" and "libvirt-qemu" accounts, and finally
// 107/107 with a non-nil error. The result is cached.
func GetQEMUUserGroup() (uid, gid string, err error) {
	qemuOnce.Do(func() {
		qemuUID, qemuGID, qemuErr = lookupQEMUUserGroup(qemuConf, user.Lookup, user.LookupGroup)
	})
	return qemuUID, qemuGID, qemuErr
}

func lookupQEMUUserGroup(conf string, lookupUser func(string) (*user.User, error), lookupGroup func(string) (*user.Group, error)) (string, string, error) {
	var username, groupname string
	if f, err := os.Open(conf); err == nil {
		username, groupname = parseQEMUConf(f)
		_ = f.Close()
	}

	if username != "" {
		if u, err := lookupUser(username); err == nil {
			gid := u.Gid
			if groupname != "" {
				if g, err := lookupGroup(groupname); err == nil {
					gid = g.Gid
				}
			}
			return u.Uid, gid, nil
		}
	}

	for _, name := range []string{"qemu", "libvirt-qemu"} {
		if u, err := lookupUser(name); err == nil {
			return u.Uid, u.Gid, nil
		}
	}
	return "107", "107", fmt.Errorf("could not determine QEMU user/group, using fallback UID/GID 107")
}

// parseQEMUConf extracts the user and group settings of qemu.conf.
func parseQEMUConf(r io.Reader) (username, groupname string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		switch strings.TrimSpace(key) {
		case "user":
			username = value
		case "group":
			groupname = value
		}
	}
	return username, groupname
}
