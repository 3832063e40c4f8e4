// Package hostkey parses application host names into their host key parts.
//
// Per-user applications are addressed as "<app>-<user8>.<root-domain>" where
// app is a configured application class and user8 is the first 8 hex
// characters of the SHA-256 of the user's SSO subject. The host key is the
// leftmost DNS label, and it is the stable identifier the control plane keys
// instance records on.
package hostkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// UserSuffixLen is the number of hex characters of the hashed SSO subject
// embedded in a host key.
const UserSuffixLen = 8

var labelPattern = regexp.MustCompile(`^([a-z][a-z0-9]*)-([0-9a-f]{8})$`)

// HostKey is a parsed application host label.
type HostKey struct {
	// Key is the full leftmost label, e.g. "jupyterlab-23b40dd9".
	Key string
	// App is the application class, e.g. "jupyterlab".
	App string
	// UserSuffix is the hashed-subject suffix, e.g. "23b40dd9".
	UserSuffix string
}

// UserSuffix derives the host-key suffix for an SSO subject.
func UserSuffix(ssoSubject string) string {
	sum := sha256.Sum256([]byte(ssoSubject))
	return hex.EncodeToString(sum[:])[:UserSuffixLen]
}

// FromHost extracts and parses the host key from a request host name.
// rootDomain is the wildcard parent domain, e.g. "apps.example.com"; the
// request host must be exactly one label below it. A port, if present, is
// ignored.
func FromHost(host, rootDomain string) (HostKey, error) {
	hostname := host
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		hostname = host[:i]
	}
	hostname = strings.ToLower(hostname)

	suffix := "." + strings.ToLower(rootDomain)
	if !strings.HasSuffix(hostname, suffix) {
		return HostKey{}, fmt.Errorf("host %q is not under %q", hostname, rootDomain)
	}

	label := strings.TrimSuffix(hostname, suffix)
	if label == "" || strings.Contains(label, ".") {
		return HostKey{}, fmt.Errorf("host %q does not name a single application label", hostname)
	}

	m := labelPattern.FindStringSubmatch(label)
	if m == nil {
		return HostKey{}, fmt.Errorf("host label %q does not match <app>-<user>", label)
	}

	return HostKey{Key: label, App: m[1], UserSuffix: m[2]}, nil
}
