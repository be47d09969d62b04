package safety

import (
	"path/filepath"
	"strings"
)

// AllowedTempPrefixes is a set of root directories that SafeToDelete
// checks paths against. It is built with NewAllowedTempPrefixes; no
// component of this module constructs or consults one at runtime.
type AllowedTempPrefixes struct {
	prefixes []string
}

// NewAllowedTempPrefixes constructs a prefix set from one or more root
// directories (already resolved to absolute paths by the caller).
func NewAllowedTempPrefixes(roots ...string) *AllowedTempPrefixes {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		cleaned = append(cleaned, filepath.Clean(r))
	}
	return &AllowedTempPrefixes{prefixes: cleaned}
}

// SafeToDelete reports whether path may be passed to a secure-deletion
// routine: it must not contain "..", and its lexically cleaned form must
// equal or lie under one of the allowed prefixes. Symlinks are not
// resolved.
func (a *AllowedTempPrefixes) SafeToDelete(path string) (bool, string) {
	if strings.Contains(path, "..") {
		return false, "path contains a parent-directory segment"
	}
	clean := filepath.Clean(path)
	for _, prefix := range a.prefixes {
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true, ""
		}
	}
	return false, "path is outside the configured temp prefixes"
}

// IsSensitivePath returns (true, reason) when a file path is a high-risk
// location that a WebResource/File parser or a command argument should
// never be allowed to target on the local host, independent of the
// tactic-level policy gate.
func IsSensitivePath(path string) (bool, string) {
	if path == "" {
		return false, ""
	}
	clean := filepath.Clean(path)
	lower := strings.ToLower(clean)

	switch lower {
	case "/etc/shadow", "/etc/gshadow", "/etc/sudoers":
		return true, "system credential file"
	}
	if strings.Contains(lower, "/.ssh/") {
		return true, "ssh key/config directory"
	}
	for _, name := range []string{"id_rsa", "id_ed25519", "authorized_keys", "known_hosts"} {
		if strings.HasSuffix(lower, "/"+name) {
			return true, "ssh key material"
		}
	}
	for _, ext := range []string{".pem", ".key", ".p12", ".pfx"} {
		if strings.HasSuffix(lower, ext) {
			return true, "private key or certificate file"
		}
	}
	for _, base := range []string{".env", ".npmrc", ".pypirc", ".netrc", ".aws/credentials"} {
		if strings.HasSuffix(lower, "/"+base) {
			return true, "credentials dotfile"
		}
	}
	return false, ""
}
