package knowledge

import "time"

// Kind discriminates the polymorphic Entity (spec §3).
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

// Status is the lifecycle state shared by every entity.
type Status string

const (
	StatusDiscovered  Status = "discovered"
	StatusVerified    Status = "verified"
	StatusExploited   Status = "exploited"
	StatusFailed      Status = "failed"
	StatusUnreachable Status = "unreachable"
)

// Entity is the polymorphic knowledge-graph node. Kind-specific data lives
// in Data as a typed payload (HostData, PortData, ...); the store
// serializes Data to the entities.data_json column. On read, Data is a
// map[string]any decoded from data_json; the typed payload is not
// reconstructed from Kind.
type Entity struct {
	ID           string
	Kind         Kind
	DiscoveredBy string
	DiscoveredAt time.Time
	UpdatedAt    time.Time
	Status       Status
	Confidence   float64
	Tags         []string
	Data         any
}

// HostData is the Kind-specific payload for KindHost.
type HostData struct {
	IPAddress    string   `json:"ip_address"`
	Hostnames    []string `json:"hostnames"`
	OSFamily     string   `json:"os_family,omitempty"`
	OSVersion    string   `json:"os_version,omitempty"`
	IsAlive      bool     `json:"is_alive"`
	ResponseTime float64  `json:"response_time_ms,omitempty"`
}

// PortData is the Kind-specific payload for KindPort.
type PortData struct {
	ParentHostID string `json:"parent_host_id"`
	Number       int    `json:"number"`
	Protocol     string `json:"protocol"` // tcp | udp
	State        string `json:"state"`    // open | closed | filtered | unknown
}

// ServiceData is the Kind-specific payload for KindService.
type ServiceData struct {
	ParentPortID string `json:"parent_port_id"`
	Name         string `json:"name"`
	Product      string `json:"product,omitempty"`
	Version      string `json:"version,omitempty"`
	Banner       string `json:"banner,omitempty"`
	CPE          string `json:"cpe,omitempty"`
}

// VulnerabilityData is the Kind-specific payload for KindVulnerability.
type VulnerabilityData struct {
	AffectedID       string  `json:"affected_id"` // host or service id
	Identifier       string  `json:"identifier"`  // CVE or synthetic id
	Severity         string  `json:"severity"`    // critical | high | medium | low | info
	CVSS             float64 `json:"cvss,omitempty"`
	Description      string  `json:"description,omitempty"`
	Exploitable      bool    `json:"exploitable"`
	ExploitAvailable bool    `json:"exploit_available"`
	ExploitVerified  bool    `json:"exploit_verified"`
}

// WebResourceData is the Kind-specific payload for KindWebResource.
type WebResourceData struct {
	ParentServiceID string   `json:"parent_service_id"`
	URL             string   `json:"url"`
	ResourceKind    string   `json:"resource_kind"` // directory | file | endpoint | parameter
	StatusCode      int      `json:"status_code,omitempty"`
	ContentType     string   `json:"content_type,omitempty"`
	Size            int64    `json:"size,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
}

// DNSRecordData is the Kind-specific payload for KindDNSRecord.
type DNSRecordData struct {
	Domain     string `json:"domain"`
	RecordType string `json:"record_type"`
	Value      string `json:"value"`
	ResolvesTo string `json:"resolves_to,omitempty"` // host id, optional
}

// CertificateData is the Kind-specific payload for KindCertificate.
type CertificateData struct {
	ParentHostID string    `json:"parent_host_id"`
	CN           string    `json:"cn"`
	SANs         []string  `json:"sans,omitempty"`
	Issuer       string    `json:"issuer,omitempty"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	SelfSigned   bool      `json:"self_signed"`
	Expired      bool      `json:"expired"`
}

// CredentialData is the Kind-specific payload for KindCredential. Secret is
// expected to already be ciphertext by the time it reaches the store (see
// internal/credstore); it is never part of the entity id.
type CredentialData struct {
	Username string `json:"username"`
	Secret   []byte `json:"secret,omitempty"` // ciphertext, nil if not captured
	Kind     string `json:"kind"`             // password | hash | key
	Context  string `json:"context"`          // host or service id
	Valid    bool   `json:"valid"`
}

// FileData is the Kind-specific payload for KindFile.
type FileData struct {
	ParentHostID string `json:"parent_host_id"`
	AbsolutePath string `json:"absolute_path"`
	Hash         string `json:"hash,omitempty"`
}

// RelationshipType enumerates the closed set of edge types (spec §3).
type RelationshipType string

const (
	RelHasPort          RelationshipType = "has_port"
	RelHasService        RelationshipType = "has_service"
	RelHasVulnerability RelationshipType = "has_vulnerability"
	RelHasWebResource   RelationshipType = "has_web_resource"
	RelResolvesTo       RelationshipType = "resolves_to"
	RelHasCredential    RelationshipType = "has_credential"
)

// Relationship is an edge (parent_id, child_id, type). Entities never hold
// cross-references directly; the store is the only place an edge exists.
type Relationship struct {
	ParentID  string
	ChildID   string
	Type      RelationshipType
	CreatedAt time.Time
}
