// Package entityid generates canonical string identifiers for knowledge
// entities. Every id is a pure function of the entity's kind and its
// natural key: the same natural key always reconstructs to the same id,
// and no id is ever derived from a timestamp, random value, or parser
// identity.
package entityid

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the entity families that carry a canonical id.
type Kind string

const (
	KindHost          Kind = "host"
	KindPort          Kind = "port"
	KindService       Kind = "service"
	KindVulnerability Kind = "vulnerability"
	KindWebResource   Kind = "web_resource"
	KindDNSRecord     Kind = "dns_record"
	KindCertificate   Kind = "certificate"
	KindCredential    Kind = "credential"
	KindFile          Kind = "file"
)

// validators match the format produced by the corresponding Host/Port/...
// function below. Insert-time validation rejects anything else as InvalidId.
var validators = map[Kind]*regexp.Regexp{
	KindHost:          regexp.MustCompile(`^host_[a-z0-9_]+$`),
	KindPort:          regexp.MustCompile(`^host_[a-z0-9_]+_port_[0-9]+_(tcp|udp)$`),
	KindService:       regexp.MustCompile(`^host_[a-z0-9_]+_port_[0-9]+_(tcp|udp)_service_[a-z0-9_]+$`),
	KindVulnerability: regexp.MustCompile(`^.+_vuln_[a-z0-9_]+$`),
	KindWebResource:   regexp.MustCompile(`^.+_web_hash_[0-9a-f]{8}$`),
	KindDNSRecord:     regexp.MustCompile(`^dns_[a-z0-9_]+$`),
	KindCertificate:   regexp.MustCompile(`^cert_[0-9a-f]+$`),
	KindCredential:    regexp.MustCompile(`^cred_[a-z0-9_.\-]+_.+$`),
	KindFile:          regexp.MustCompile(`^file_.+_hash_[0-9a-f]{8}$`),
}

// InvalidIdError is returned when a constructed id does not match the
// format required for its kind.
type InvalidIdError struct {
	Kind Kind
	ID   string
}

func (e *InvalidIdError) Error() string {
	return fmt.Sprintf("entityid: invalid %s id %q", e.Kind, e.ID)
}

// Valid reports whether id matches the canonical format for kind.
func Valid(kind Kind, id string) bool {
	re, ok := validators[kind]
	if !ok {
		return false
	}
	return re.MatchString(id)
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, ".", "_")
	s = strings.ReplaceAll(s, ":", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}

// Host returns the canonical id for a host with the given IP address.
func Host(ipAddress string) string {
	return "host_" + sanitize(ipAddress)
}

// Port returns the canonical id for a port under hostID.
func Port(hostID string, number int, proto string) string {
	return fmt.Sprintf("%s_port_%d_%s", hostID, number, strings.ToLower(proto))
}

// Service returns the canonical id for a service under portID.
func Service(portID string, name string) string {
	return portID + "_service_" + sanitize(name)
}

// Vulnerability returns the canonical id for a vulnerability tied to a
// parent service (or host) id and a CVE or synthetic identifier.
func Vulnerability(parentID string, identifier string) string {
	id := strings.ToLower(strings.TrimSpace(identifier))
	id = strings.ReplaceAll(id, "-", "_")
	return parentID + "_vuln_" + id
}

// WebResource returns the canonical id for a resource discovered under
// serviceID at url. The id hashes a normalized form of the URL so that
// re-discovering the same resource (with or without a trailing slash)
// always yields the same id.
func WebResource(serviceID string, url string) string {
	normalized := strings.TrimSuffix(strings.ToLower(url), "/")
	sum := md5.Sum([]byte(normalized))
	return serviceID + "_web_hash_" + hex.EncodeToString(sum[:])[:8]
}

// DNS returns the canonical id for a DNS record's owning domain.
func DNS(domain string) string {
	return "dns_" + sanitize(domain)
}

// Certificate returns the canonical id for a certificate identified by its
// SHA-256 fingerprint (colons and case are irrelevant to the id).
func Certificate(fingerprint string) string {
	fp := strings.ToLower(strings.ReplaceAll(fingerprint, ":", ""))
	return "cert_" + fp
}

// CertificateFromDER derives the fingerprint-based id directly from a
// certificate's raw DER bytes.
func CertificateFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	return "cert_" + hex.EncodeToString(sum[:])
}

// Credential returns the canonical id for a credential. The raw secret is
// never part of the id.
func Credential(username string, serviceID string) string {
	return "cred_" + sanitize(username) + "_" + serviceID
}

// File returns the canonical id for a file discovered on hostID at an
// absolute path.
func File(hostID string, absolutePath string) string {
	sum := md5.Sum([]byte(absolutePath))
	return "file_" + hostID + "_hash_" + hex.EncodeToString(sum[:])[:8]
}
