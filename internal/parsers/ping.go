package parsers

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sentryctl/sentryctl/internal/entityid"
	"github.com/sentryctl/sentryctl/internal/knowledge"
)

var pingRTTPattern = regexp.MustCompile(`time[=<]([0-9.]+)\s*ms`)

// Ping parses `ping` output into a single Host entity, alive if any reply
// carried a round-trip time.
var Ping Parser = ParserFunc(func(raw []byte, ctx Context) (Result, error) {
	text := string(raw)
	ips := ExtractIPv4(text)
	if len(ips) == 0 {
		ips = ExtractIPv4(ctx.Target)
	}
	if len(ips) == 0 {
		return Result{}, nil
	}
	ip := ips[0]
	hostID := entityid.Host(ip)

	alive := false
	var rtt float64
	for _, line := range strings.Split(text, "\n") {
		if m := pingRTTPattern.FindStringSubmatch(line); m != nil {
			alive = true
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rtt = v
			}
			break
		}
	}

	confidence := 0.6
	if alive {
		confidence = 0.9
	}

	now := time.Now().UTC()
	entity := knowledge.Entity{
		ID:           hostID,
		Kind:         knowledge.KindHost,
		DiscoveredBy: ctx.ToolID,
		DiscoveredAt: now,
		UpdatedAt:    now,
		Status:       knowledge.StatusDiscovered,
		Confidence:   confidence,
		Data: knowledge.HostData{
			IPAddress:    ip,
			IsAlive:      alive,
			ResponseTime: rtt,
		},
	}
	if alive {
		entity.Status = knowledge.StatusVerified
	}

	return Result{Entities: []knowledge.Entity{entity}}, nil
})
