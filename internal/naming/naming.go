// Package naming holds the naming rules for the libvirt resources vmctl
// creates on behalf of an instance: volume names, the guest hostname and a
// MAC address derived from the label.
package naming

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// VolumeNameBoot returns the volume name for an instance's boot disk.
// Format: {label}_boot.qcow2
func VolumeNameBoot(label string) string {
	return fmt.Sprintf("%s_boot.qcow2", label)
}

// VolumeNameSwap returns the volume name for an instance's swap disk.
// Format: {label}_swap.qcow2
func VolumeNameSwap(label string) string {
	return fmt.Sprintf("%s_swap.qcow2", label)
}

// VolumeNameCloudInit returns the volume name for an instance's cloud-init ISO.
// Format: {label}_cloudinit.iso
func VolumeNameCloudInit(label string) string {
	return fmt.Sprintf("%s_cloudinit.iso", label)
}

// VolumeNames returns every volume vmctl may create for label, in creation
// order.
func VolumeNames(label string) []string {
	return []string{VolumeNameSwap(label), VolumeNameBoot(label), VolumeNameCloudInit(label)}
}

// Hostname turns a label into a valid RFC 1123 host name: '_' and '.' become
// '-' and the result is lower-cased.
func Hostname(label string) string {
	return strings.ToLower(strings.NewReplacer("_", "-", ".", "-").Replace(label))
}

// MACFromLabel derives a stable MAC address from a label, using the
// 52:54:00 prefix QEMU reserves for guest NICs.
//
// Example: "web-1" -> 52:54:00:xx:xx:xx, identical on every call.
func MACFromLabel(label string) string {
	sum := sha256.Sum256([]byte(label))
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}
