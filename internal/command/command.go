// Package command implements the Command Builder (spec §4.6): it turns a
// ToolDef, a validated target, and a parameter map into a FinalCommand —
// an argv vector, never a joined string — and is the last point before
// execution where an untrusted value can still be rejected.
package command

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/sentryctl/sentryctl/internal/registry"
	"github.com/sentryctl/sentryctl/internal/safety"
)

const (
	maxArgBytes = 1024
	maxArgvLen  = 64
)

// FinalCommand is the fully-resolved, ready-to-run command: a binary name
// and its argv. argv never contains the binary itself.
type FinalCommand struct {
	Binary string
	Argv   []string
}

// CommandBuildError reports why a target or parameter set was rejected.
// It is always returned locally, with no side effects (spec §7).
type CommandBuildError struct {
	Reason string
}

func (e *CommandBuildError) Error() string {
	return fmt.Sprintf("command: build rejected: %s", e.Reason)
}

// hostnameRFC1123 matches a DNS hostname per RFC 1123: labels of
// alphanumerics and hyphens, not starting or ending with a hyphen, joined
// by dots.
var hostnameRFC1123 = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?))*$`)

// validTarget reports whether target matches one of {IPv4, IPv6,
// RFC1123 hostname, URL} (spec §4.6).
func validTarget(target string) bool {
	if target == "" {
		return false
	}
	if ip := net.ParseIP(target); ip != nil {
		return true
	}
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && u.Host != "" {
		return true
	}
	return hostnameRFC1123.MatchString(target)
}

// hasControlOrNull reports whether s contains a C0/C1 control character or
// a null byte.
func hasControlOrNull(s string) bool {
	for _, r := range s {
		if r == 0 || unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// Build assembles the FinalCommand for def given target and params.
// Algorithm (spec §4.6): start from base_args; for each provided
// parameter, substitute {value} into its template; append target as the
// last positional argument unless def.TargetEmbedded.
func Build(def registry.ToolDef, target string, params map[string]string) (FinalCommand, error) {
	if !validTarget(target) {
		return FinalCommand{}, &CommandBuildError{fmt.Sprintf("target %q does not match IPv4, IPv6, hostname, or URL", target)}
	}

	argv := make([]string, 0, len(def.BaseArgs)+len(params)+1)
	argv = append(argv, def.BaseArgs...)

	// Iterate the registered params in their declared order, not the
	// caller's map order, so the same Intent always yields the same
	// argv (spec §8 idempotence property).
	for _, named := range def.ParamTemplates {
		value, provided := params[named.Name]
		if !provided {
			continue
		}
		substituted := strings.Replace(named.Template.Template, "{value}", value, 1)
		for _, field := range strings.Fields(substituted) {
			argv = append(argv, field)
		}
	}

	if !def.TargetEmbedded {
		argv = append(argv, target)
	}

	for _, arg := range argv {
		if len(arg) > maxArgBytes {
			return FinalCommand{}, &CommandBuildError{fmt.Sprintf("argument %q exceeds %d bytes", truncate(arg, 32), maxArgBytes)}
		}
		if hasControlOrNull(arg) {
			return FinalCommand{}, &CommandBuildError{fmt.Sprintf("argument %q contains a control character or null byte", truncate(arg, 32))}
		}
		if bad, ch := safety.HasShellMetacharacter(arg); bad {
			return FinalCommand{}, &CommandBuildError{fmt.Sprintf("argument %q contains shell metacharacter %q", truncate(arg, 32), ch)}
		}
	}
	if len(argv) > maxArgvLen {
		return FinalCommand{}, &CommandBuildError{fmt.Sprintf("argv length %d exceeds %d", len(argv), maxArgvLen)}
	}

	return FinalCommand{Binary: def.Binary, Argv: argv}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
