package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyExists is returned by New when the label is already known.
	ErrAlreadyExists = errors.New("instance already exists")

	// ErrNotFound is returned when an operation targets an unknown label.
	ErrNotFound = errors.New("instance not found")

	// ErrTemplateNotFound is returned when a template reference cannot be
	// resolved against the provider's templates.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrUnsupported is returned when the provider does not offer the
	// requested operation. It reports a capability gap, not a failed call.
	ErrUnsupported = errors.New("operation not supported by backend")

	// ErrWaitTimeout is returned when a state confirmation wait runs out of
	// time.
	ErrWaitTimeout = errors.New("timed out waiting for instance state")

	// ErrInvalidLabel is returned for empty or malformed labels.
	ErrInvalidLabel = errors.New("invalid instance label")

	// ErrInvalidSSHKey is returned when the SSH public key cannot be parsed.
	ErrInvalidSSHKey = errors.New("invalid ssh public key")
)

// ProviderError reports a request the provider rejected or could not
// complete. Code carries the provider's native error code.
type ProviderError struct {
	Provider string
	Op       string
	Code     string
	Err      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s failed", e.Provider, e.Op)
	if e.Code != "" {
		fmt.Fprintf(&b, " (code %s)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err as a ProviderError. A nil err yields nil.
func NewProviderError(provider, op, code string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Code: code, Err: err}
}

// ProviderCode returns the native provider code carried by err, if any.
func ProviderCode(err error) (string, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Code != "" {
		return pe.Code, true
	}
	return "", false
}

// StageError reports a staged creation that failed part way. Orphans lists
// the sub-resources created by earlier stages; they are not rolled back.
type StageError struct {
	Label   string
	Stage   string
	Orphans []Resource
	Err     error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("creating %q: stage %s failed: %v", e.Label, e.Stage, e.Err)
	if len(e.Orphans) == 0 {
		return msg
	}
	left := make([]string, 0, len(e.Orphans))
	for _, r := range e.Orphans {
		left = append(left, r.String())
	}
	return msg + " (left behind: " + strings.Join(left, ", ") + ")"
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Unsupported returns an ErrUnsupported error naming the operation and the
// backend.
func Unsupported(backend, op string) error {
	return fmt.Errorf("%s is not supported by backend %s: %w", op, backend, ErrUnsupported)
}
