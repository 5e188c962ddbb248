// Package storage manages libvirt storage pools and volumes for vmctl.
//
// vmctl uses two directory pools (names come from configuration):
//   - the image pool holds base OS images imported with `vmctl image import`
//   - the instance pool holds per-instance volumes (boot, swap, cloud-init)
//
// Boot volumes are qcow2 overlays whose backing store is a base image, so
// creating one copies nothing. Imported images are validated by their magic
// bytes (QCOW2 header or MBR boot signature) before upload.
//
// The LibvirtClient interface lists the libvirt calls the Manager makes;
// *libvirt.Libvirt satisfies it.
package storage
