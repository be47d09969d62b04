package parsers

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

// gobusterDirLine matches gobuster dir mode's default output:
// "/admin               (Status: 301) [Size: 178] [--> /admin/]"
var gobusterDirLine = regexp.MustCompile(`^(/\S*)\s+\(Status:\s*(\d+)\)(?:\s+\[Size:\s*(\d+)\])?`)

// GobusterDirectory parses `gobuster dir` output into WebResource
// entities related to a Service entity via has_web_resource. When the
// caller already knows that Service (ctx.UpstreamPort set by an earlier
// SERVICE_ENUM/PORT_SCAN invocation against the same target), the
// WebResource hangs off it directly; otherwise — the common case, since
// DIRECTORY_ENUM is often the first tool run against a URL — the
// Host/Port/Service chain is derived from ctx.Target itself, the same
// fallback NmapPortScan and the hydra parser use when their own upstream
// ids aren't pre-populated.
var GobusterDirectory Parser = ParserFunc(func(raw []byte, ctx Context) (Result, error) {
	baseURL := strings.TrimSuffix(ctx.Target, "/")
	now := time.Now().UTC()

	var entities []knowledge.Entity
	var relationships []knowledge.Relationship

	serviceID := ctx.UpstreamPort
	if serviceID == "" {
		derivedID, derived, derivedRels := deriveServiceFromURL(ctx.Target, ctx.ToolID, now)
		if derivedID == "" {
			return Result{}, nil
		}
		serviceID = derivedID
		entities = append(entities, derived...)
		relationships = append(relationships, derivedRels...)
	}

	for _, line := range strings.Split(string(raw), "\n") {
		m := gobusterDirLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		path := m[1]
		status, _ := strconv.Atoi(m[2])
		var size int64
		if m[3] != "" {
			size, _ = strconv.ParseInt(m[3], 10, 64)
		}
		resourceURL := CanonicalizeURL(baseURL + path)
		resourceID := entityid.WebResource(serviceID, resourceURL)

		kind := "file"
		if strings.HasSuffix(path, "/") {
			kind = "directory"
		}

		entities = append(entities, knowledge.Entity{
			ID:           resourceID,
			Kind:         knowledge.KindWebResource,
			DiscoveredBy: ctx.ToolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.6,
			Data: knowledge.WebResourceData{
				ParentServiceID: serviceID,
				URL:             resourceURL,
				ResourceKind:    kind,
				StatusCode:      status,
				Size:            size,
			},
		})
		relationships = append(relationships, knowledge.Relationship{
			ParentID: serviceID, ChildID: resourceID, Type: knowledge.RelHasWebResource,
		})
	}

	return Result{Entities: entities, Relationships: relationships}, nil
})

// deriveServiceFromURL synthesizes the Host/Port/Service chain a target
// URL implies, so a bare DIRECTORY_ENUM run against a URL nobody has
// scanned yet still produces a graph WebResources can attach to. Returns
// an empty serviceID when target doesn't parse as a URL with a host.
func deriveServiceFromURL(target, toolID string, now time.Time) (serviceID string, entities []knowledge.Entity, relationships []knowledge.Relationship) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil || u.Hostname() == "" {
		return "", nil, nil
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "http"
	}
	port := 80
	if scheme == "https" {
		port = 443
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	hostID := entityid.Host(u.Hostname())
	portID := entityid.Port(hostID, port, "tcp")
	svcName := NormalizeServiceName(scheme)
	serviceID = entityid.Service(portID, svcName)

	entities = []knowledge.Entity{
		{
			ID:           hostID,
			Kind:         knowledge.KindHost,
			DiscoveredBy: toolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.4,
			Data:         knowledge.HostData{IPAddress: u.Hostname(), IsAlive: true},
		},
		{
			ID:           portID,
			Kind:         knowledge.KindPort,
			DiscoveredBy: toolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.4,
			Data:         knowledge.PortData{ParentHostID: hostID, Number: port, Protocol: "tcp", State: "open"},
		},
		{
			ID:           serviceID,
			Kind:         knowledge.KindService,
			DiscoveredBy: toolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.4,
			Data:         knowledge.ServiceData{ParentPortID: portID, Name: svcName},
		},
	}
	relationships = []knowledge.Relationship{
		{ParentID: hostID, ChildID: portID, Type: knowledge.RelHasPort},
		{ParentID: portID, ChildID: serviceID, Type: knowledge.RelHasService},
	}
	return serviceID, entities, relationships
}
