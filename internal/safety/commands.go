// Package safety holds defense-in-depth guards that sit alongside (never
// instead of) the Execution Policy's tactic-level gate: a shell-metacharacter
// denylist for the Command Builder, a persistent-change command heuristic
// for the Tool Registry loader, and a sensitive-path matcher for the
// secure-deletion surface.
package safety

import "strings"

// shellMetacharacters are characters that must never appear in a
// FinalCommand argv element, substituted template values included. The
// Command Builder rejects any argument containing one of these with
// CommandBuildError.
var shellMetacharacters = []string{
	";", "|", "&", "$", "`", ">", "<", "\n", "\r",
	"$(", "&&", "||",
}

// HasShellMetacharacter reports whether s contains a character that could
// escape a single argv slot into shell interpretation, plus which one.
func HasShellMetacharacter(s string) (bool, string) {
	for _, m := range shellMetacharacters {
		if strings.Contains(s, m) {
			return true, m
		}
	}
	return false, ""
}

// persistentChangeIndicators is the union of command fragments that mark a
// recon-tool invocation as making a persistent change to the target or the
// local host, grounded on the teacher's BlockedCommands denylist but
// narrowed to the allowlisted binaries this registry can ever emit
// (internal/registry). A ToolDef whose base args or templates match one of
// these is loaded with CreatesPersistentChange=true, which the Execution
// Policy then denies unconditionally while allow_persistent_changes=false.
var persistentChangeIndicators = []string{
	"-oA", "-oN", "-oX", "-oG", // nmap output-to-file flags write outside the session dir
	"--update",                 // nikto/wpscan style plugin-database updates mutate local state
	"--script-args=newtargets", // nmap NSE script that expands the scan's target set persistently
}

// IsPersistentChangeCommand reports whether argv (already split) contains a
// persistent-change indicator. Used only at Tool Registry load time to
// classify static ToolDefs; never re-run at request time since the
// registry entry is immutable once loaded.
func IsPersistentChangeCommand(argv []string) bool {
	joined := strings.Join(argv, " ")
	for _, pattern := range persistentChangeIndicators {
		if strings.Contains(joined, pattern) {
			return true
		}
	}
	return false
}
