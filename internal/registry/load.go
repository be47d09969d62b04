package registry

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentryctl/sentryctl/internal/parsers"
	"github.com/sentryctl/sentryctl/internal/policy"
	"github.com/sentryctl/sentryctl/internal/safety"
)

//go:embed tooldefs.yaml
var defaultToolDefsYAML []byte

// parserByName binds the string parser names used in tooldefs.yaml to the
// actual parsers.Parser values. Keeping this table here, rather than in
// the parsers package, keeps parsers free of any knowledge of how tools
// are registered.
var parserByName = map[string]parsers.Parser{
	"ping":            parsers.Ping,
	"nmap_host_sweep": parsers.NmapHostSweep,
	"nmap_port_scan":  parsers.NmapPortScan,
	"gobuster_dir":    parsers.GobusterDirectory,
	"noop":            parsers.NoopParser,
}

var riskByName = map[string]policy.Risk{
	"low":    policy.RiskLow,
	"medium": policy.RiskMedium,
	"high":   policy.RiskHigh,
}

type paramYAML struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
}

type toolDefYAML struct {
	Tactic         string      `yaml:"tactic"`
	Binary         string      `yaml:"binary"`
	BaseArgs       []string    `yaml:"base_args"`
	Risk           string      `yaml:"risk"`
	RequiresRoot   bool        `yaml:"requires_root"`
	Parser         string      `yaml:"parser"`
	TargetEmbedded bool        `yaml:"target_embedded"`
	Params         []paramYAML `yaml:"params"`
}

type toolDefsFile struct {
	Tools []toolDefYAML `yaml:"tools"`
}

// Default returns the Registry built from the embedded tooldefs.yaml
// fixture — the single static table every production build loads. The
// CREDENTIAL_BRUTE_FORCE tactic is bound to parsers.NoopParser; use
// DefaultWithSealer to get hydra's real credential parser wired in.
func Default() *Registry {
	defs, err := parseToolDefs(defaultToolDefsYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded tooldefs.yaml is invalid: %v", err))
	}
	return New(defs)
}

// DefaultWithSealer builds the same static table as Default, but binds
// CREDENTIAL_BRUTE_FORCE's parser to the real hydra credential parser,
// sealing every recovered password with sealer before it ever reaches
// the Knowledge Store. Callers without a configured
// CredentialEncryptionPassphrase should use Default instead and accept
// that credential hits are discarded rather than stored in plaintext.
func DefaultWithSealer(sealer parsers.Sealer) *Registry {
	defs, err := parseToolDefs(defaultToolDefsYAML)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded tooldefs.yaml is invalid: %v", err))
	}
	hydraParser := parsers.NewHydraParser(sealer)
	for i := range defs {
		if defs[i].Tactic == policy.TacticCredentialBrute {
			defs[i].Parser = hydraParser
		}
	}
	return New(defs)
}

// LoadOverrideFile parses an operator-supplied tooldefs.yaml in the same
// shape as the embedded fixture. It is meant to be fed to Registry.Reload
// when a config.Watcher observes the override file change, letting an
// operator add or retarget a tool binding without a restart.
func LoadOverrideFile(path string) ([]ToolDef, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: read override file: %w", err)
	}
	return parseToolDefs(raw)
}

// parseToolDefs decodes raw YAML in the tooldefs.yaml shape into ToolDefs,
// resolving each entry's string parser and risk names to their typed
// values. It does not validate template safety; New()/validate() does
// that once the ToolDefs are assembled.
func parseToolDefs(raw []byte) ([]ToolDef, error) {
	var file toolDefsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	defs := make([]ToolDef, 0, len(file.Tools))
	for _, t := range file.Tools {
		risk, ok := riskByName[t.Risk]
		if !ok {
			return nil, fmt.Errorf("tactic %s: unknown risk %q", t.Tactic, t.Risk)
		}
		parser, ok := parserByName[t.Parser]
		if !ok {
			return nil, fmt.Errorf("tactic %s: unknown parser %q", t.Tactic, t.Parser)
		}

		params := make([]NamedArgTemplate, 0, len(t.Params))
		classified := append([]string{}, t.BaseArgs...)
		for _, p := range t.Params {
			params = append(params, NamedArgTemplate{Name: p.Name, Template: ArgTemplate{Template: p.Template}})
			classified = append(classified, p.Template)
		}

		defs = append(defs, ToolDef{
			Tactic:                  policy.Tactic(t.Tactic),
			Binary:                  t.Binary,
			BaseArgs:                append([]string{}, t.BaseArgs...),
			ParamTemplates:          params,
			Risk:                    risk,
			RequiresRoot:            t.RequiresRoot,
			TargetEmbedded:          t.TargetEmbedded,
			Parser:                  parser,
			CreatesPersistentChange: safety.IsPersistentChangeCommand(classified),
		})
	}
	return defs, nil
}
