package parsers

import (
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	ipv4Pattern = regexp.MustCompile(`\b(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})\b`)
	// Bounded lookback window: anchors at a word boundary and caps run
	// length so a pathological line of colons can't trigger a quadratic
	// scan (spec §9 design note on regex-driven detection).
	ipv6Pattern = regexp.MustCompile(`\b([0-9a-fA-F]{1,4}(:[0-9a-fA-F]{0,4}){2,7})\b`)
)

// ExtractIPv4 returns every syntactically valid IPv4 address found in s,
// in order of appearance, without duplicates.
func ExtractIPv4(s string) []string {
	return extractValidIPs(s, ipv4Pattern)
}

// ExtractIPv6 returns every syntactically valid IPv6 address found in s.
func ExtractIPv6(s string) []string {
	return extractValidIPs(s, ipv6Pattern)
}

func extractValidIPs(s string, pattern *regexp.Regexp) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pattern.FindAllString(s, -1) {
		if net.ParseIP(m) == nil {
			continue
		}
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}

// PortTriple is a parsed (number, protocol, state) tuple, the minimal
// shape most port-scan output lines reduce to.
type PortTriple struct {
	Number   int
	Protocol string
	State    string
}

var portLinePattern = regexp.MustCompile(`(?i)^(\d+)/(tcp|udp)\s+(open|closed|filtered)`)

// ParsePortLine parses a single nmap-style "PORT/PROTO STATE ..." line.
// Returns ok=false when the line doesn't match.
func ParsePortLine(line string) (PortTriple, bool) {
	m := portLinePattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return PortTriple{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 65535 {
		return PortTriple{}, false
	}
	return PortTriple{Number: n, Protocol: strings.ToLower(m[2]), State: strings.ToLower(m[3])}, true
}

// CanonicalizeURL lowercases the scheme and host and strips a trailing
// slash, matching the normalization the Entity ID Generator's
// WebResource id uses so parsers and id generation never disagree about
// what "the same URL" means.
func CanonicalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(raw)), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

// TokenizeBanner splits a raw service banner into whitespace-separated
// tokens, dropping empty tokens produced by repeated separators.
func TokenizeBanner(banner string) []string {
	fields := strings.Fields(banner)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "()[],")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NormalizeServiceName lowercases and collapses common aliases nmap and
// other scanners use for the same underlying service, so the Entity ID
// Generator produces the same Service id regardless of which tool
// reported it.
func NormalizeServiceName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "https", "ssl/http", "http-proxy":
		return "http"
	case "ssh2":
		return "ssh"
	case "msrpc", "ms-rpc":
		return "rpc"
	default:
		return name
	}
}
