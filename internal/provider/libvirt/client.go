package libvirt

import (
	"context"
	"errors"
	"strconv"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/vmctl/internal/backend"
	vmlibvirt "github.com/jbweber/vmctl/internal/libvirt"
	"github.com/jbweber/vmctl/internal/metadata"
	"github.com/jbweber/vmctl/internal/storage"
)

// domainClient is the subset of *libvirt.Libvirt the driver uses.
type domainClient interface {
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) (rDomains []libvirt.Domain, rRet uint32, err error)
	DomainLookupByUUID(UUID libvirt.UUID) (libvirt.Domain, error)
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainShutdown(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error
	DomainGetState(Dom libvirt.Domain, Flags uint32) (rState int32, rReason int32, err error)
	DomainInterfaceAddresses(Dom libvirt.Domain, Source uint32, Flags uint32) ([]libvirt.DomainInterface, error)

	metadata.LibvirtClient
}

var _ domainClient = (*libvirt.Libvirt)(nil)

// storageManager is the subset of *storage.Manager the driver uses.
type storageManager interface {
	CreateVolume(ctx context.Context, poolName string, spec storage.VolumeSpec) error
	UploadVolume(ctx context.Context, poolName string, spec storage.VolumeSpec, data []byte) error
	DeleteVolume(ctx context.Context, poolName, volumeName string) error
	GetVolume(ctx context.Context, poolName, volumeName string) (*storage.VolumeInfo, error)
}

var _ storageManager = (*storage.Manager)(nil)

// wrap converts a libvirt error into a ProviderError carrying the libvirt
// error number. Missing domains and volumes also match backend.ErrNotFound.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	if c, ok := vmlibvirt.ErrorCode(err); ok {
		code = strconv.FormatUint(uint64(c), 10)
	}
	if vmlibvirt.IsNotFound(err) || errors.Is(err, storage.ErrVolumeNotFound) {
		err = errors.Join(backend.ErrNotFound, err)
	}
	return backend.NewProviderError(Name, op, code, err)
}

func isNotFound(err error) bool {
	return errors.Is(err, backend.ErrNotFound)
}
