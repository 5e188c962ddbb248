package backend

// Status is the normalized lifecycle status of an instance.
type Status string

const (
	StatusAbsent       Status = "absent"
	StatusProvisioning Status = "provisioning"
	StatusOffline      Status = "offline"
	StatusRunning      Status = "running"
	StatusDeleting     Status = "deleting"
	// StatusUnknown covers provider states with no normalized counterpart
	// (booting, rebooting, migrating, resizing...).
	StatusUnknown Status = "unknown"
)

// IsRunning returns true if the instance is up.
func (s Status) IsRunning() bool {
	return s == StatusRunning
}

// IsStopped returns true if the instance exists but is powered off.
func (s Status) IsStopped() bool {
	return s == StatusOffline
}

// IsTransitioning returns true while the provider is still moving the
// instance between stable states.
func (s Status) IsTransitioning() bool {
	return s == StatusProvisioning || s == StatusDeleting || s == StatusUnknown
}

// IsTerminal returns true if the instance will not change state on its own.
func (s Status) IsTerminal() bool {
	return s == StatusOffline || s == StatusRunning || s == StatusAbsent
}

func (s Status) String() string {
	if s == "" {
		return string(StatusUnknown)
	}
	return string(s)
}
