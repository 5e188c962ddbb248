// Package backend defines the VM lifecycle contract shared by every compute
// provider.
//
// A Backend exposes five operations (New, Rebuild, Start, Stop, Delete) keyed
// by an instance label. Each operation validates the label against the
// backend's local cache before touching the provider:
//
//   - New fails with ErrAlreadyExists when the label is known
//   - Rebuild and Delete fail with ErrNotFound when it is not
//   - Start and Stop are no-ops when the instance is already in the
//     requested state
//   - Rebuild fails with ErrUnsupported on providers that cannot re-image
//
// When Options.Sync is set, operations block until the provider reports the
// target state. Otherwise they return as soon as the provider accepted the
// request.
//
// Provider failures are reported as *ProviderError, carrying the provider's
// native error code. Failures in the middle of a staged creation are reported
// as *StageError, listing the sub-resources left behind.
package backend
