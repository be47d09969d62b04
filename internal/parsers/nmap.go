package parsers

import (
	"strings"
	"time"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

// NmapHostSweep parses `nmap -sn` output into one Host entity per "Nmap
// scan report for" line.
var NmapHostSweep Parser = ParserFunc(func(raw []byte, ctx Context) (Result, error) {
	now := time.Now().UTC()
	var entities []knowledge.Entity

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Nmap scan report for") {
			continue
		}
		ips := ExtractIPv4(line)
		if len(ips) == 0 {
			ips = ExtractIPv6(line)
		}
		if len(ips) == 0 {
			continue
		}
		ip := ips[0]
		entities = append(entities, knowledge.Entity{
			ID:           entityid.Host(ip),
			Kind:         knowledge.KindHost,
			DiscoveredBy: ctx.ToolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.7,
			Data:         knowledge.HostData{IPAddress: ip, IsAlive: true},
		})
	}

	return Result{Entities: entities}, nil
})

// NmapPortScan parses `nmap -sT`/`-sS` output into Port (and, when a
// service column is present, Service) entities related to
// ctx.UpstreamHost via has_port / has_service.
var NmapPortScan Parser = ParserFunc(func(raw []byte, ctx Context) (Result, error) {
	now := time.Now().UTC()

	hostID := ctx.UpstreamHost
	if hostID == "" {
		if ips := ExtractIPv4(ctx.Target); len(ips) > 0 {
			hostID = entityid.Host(ips[0])
		}
	}
	if hostID == "" {
		return Result{}, nil
	}

	var entities []knowledge.Entity
	var relationships []knowledge.Relationship

	for _, line := range strings.Split(string(raw), "\n") {
		triple, ok := ParsePortLine(line)
		if !ok {
			continue
		}
		portID := entityid.Port(hostID, triple.Number, triple.Protocol)
		entities = append(entities, knowledge.Entity{
			ID:           portID,
			Kind:         knowledge.KindPort,
			DiscoveredBy: ctx.ToolID,
			DiscoveredAt: now,
			UpdatedAt:    now,
			Status:       knowledge.StatusDiscovered,
			Confidence:   0.8,
			Data: knowledge.PortData{
				ParentHostID: hostID,
				Number:       triple.Number,
				Protocol:     triple.Protocol,
				State:        triple.State,
			},
		})
		relationships = append(relationships, knowledge.Relationship{
			ParentID: hostID, ChildID: portID, Type: knowledge.RelHasPort,
		})

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 3 && triple.State == "open" {
			serviceName := NormalizeServiceName(fields[2])
			serviceID := entityid.Service(portID, serviceName)
			entities = append(entities, knowledge.Entity{
				ID:           serviceID,
				Kind:         knowledge.KindService,
				DiscoveredBy: ctx.ToolID,
				DiscoveredAt: now,
				UpdatedAt:    now,
				Status:       knowledge.StatusDiscovered,
				Confidence:   0.7,
				Data:         knowledge.ServiceData{ParentPortID: portID, Name: serviceName},
			})
			relationships = append(relationships, knowledge.Relationship{
				ParentID: portID, ChildID: serviceID, Type: knowledge.RelHasService,
			})
		}
	}

	return Result{Entities: entities, Relationships: relationships}, nil
})
