// Package libvirt wraps github.com/digitalocean/go-libvirt for vmctl.
//
// It covers connection management from a libvirt URI and the generation of
// domain XML for vmctl instances:
//
//	client, err := libvirt.Connect(ctx, "qemu:///system", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	xml, err := libvirt.GenerateDomainXML(libvirt.DomainSpec{
//	    Name:      "web-1",
//	    UUID:      id,
//	    VCPUs:     2,
//	    MemoryMiB: 2048,
//	    Bridge:    "virbr0",
//	})
//
// Consumers define their own narrow interfaces over *libvirt.Libvirt (see
// internal/storage and internal/provider/libvirt); this package does not.
package libvirt
