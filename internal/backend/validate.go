package backend

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

// labelPattern accepts the intersection of what the supported providers
// allow: alphanumerics, hyphens, underscores and dots, starting and ending
// with an alphanumeric.
var labelPattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]{0,61}[A-Za-z0-9])?$`)

// ValidateLabel checks that label is usable as an instance label.
func ValidateLabel(label string) error {
	if label == "" {
		return fmt.Errorf("%w: label is required", ErrInvalidLabel)
	}
	if !labelPattern.MatchString(label) {
		return fmt.Errorf("%w: %q must be 1-63 alphanumeric, '.', '_' or '-' characters, starting and ending with an alphanumeric", ErrInvalidLabel, label)
	}
	return nil
}

// NormalizeSSHKey validates an authorized_keys formatted public key and
// returns it trimmed. An empty key is allowed and returned as is.
func NormalizeSSHKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}
	if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSSHKey, err)
	}
	return key, nil
}

// SSHKeyFingerprint returns the MD5 fingerprint of an authorized_keys
// formatted public key, as shown by most provider consoles.
func SSHKeyFingerprint(key string) (string, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSSHKey, err)
	}
	return ssh.FingerprintLegacyMD5(pub), nil
}
