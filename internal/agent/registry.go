// Package agent defines the supported coding assistants: which binary to
// spawn, how to point it at the proxy or upstream, and which parser reads its
// session logs.
package agent

import (
	"sort"

	"codemie/internal/config"
	codemieerr "codemie/internal/errors"
	"codemie/internal/metrics/parser"
)

// proxyHandledKey is the placeholder API key handed to assistants routed
// through the proxy; the proxy injects the real credentials.
const proxyHandledKey = "proxy-handled"

// Params carries the routing decision into env and argument construction.
type Params struct {
	// BaseURL is the proxy's loopback URL in SSO mode, or the configured
	// upstream otherwise.
	BaseURL  string
	APIKey   string
	Model    string
	Provider config.Provider
}

func (p Params) apiKey() string {
	if p.Provider == config.ProviderSSO {
		return proxyHandledKey
	}
	return p.APIKey
}

// Definition describes one supported assistant.
type Definition struct {
	// Name keys the registry and matches the parser's agent name.
	Name string
	// Binary is the executable looked up on PATH.
	Binary string
	// ErrorExcludedTools lists tool names whose failures do not flag the
	// session as errored; nil means the aggregate default.
	ErrorExcludedTools []string
	// EnvOverrides yields the environment variables that point the assistant
	// at BaseURL with the right credentials.
	EnvOverrides func(p Params) map[string]string
	// TransformArgs adjusts the user's arguments, e.g. injecting a model
	// flag. Nil means pass-through.
	TransformArgs func(args []string, p Params) []string
	// NewParser builds the session log parser rooted at the home directory.
	NewParser func(home string) parser.SessionParser
}

var registry = map[string]*Definition{
	parser.AgentClaude: {
		Name:   parser.AgentClaude,
		Binary: "claude",
		EnvOverrides: func(p Params) map[string]string {
			env := map[string]string{
				"ANTHROPIC_BASE_URL": p.BaseURL,
				"ANTHROPIC_API_KEY":  p.apiKey(),
			}
			if p.Model != "" {
				env["ANTHROPIC_MODEL"] = p.Model
			}
			return env
		},
		NewParser: func(home string) parser.SessionParser { return parser.NewClaudeParser(home) },
	},
	parser.AgentCodex: {
		Name:   parser.AgentCodex,
		Binary: "codex",
		EnvOverrides: func(p Params) map[string]string {
			return map[string]string{
				"OPENAI_BASE_URL": p.BaseURL,
				"OPENAI_API_KEY":  p.apiKey(),
			}
		},
		TransformArgs: func(args []string, p Params) []string {
			if p.Model == "" || hasFlag(args, "--model", "-m") {
				return args
			}
			return append([]string{"--model", p.Model}, args...)
		},
		NewParser: func(home string) parser.SessionParser { return parser.NewCodexParser(home) },
	},
	parser.AgentGemini: {
		Name:   parser.AgentGemini,
		Binary: "gemini",
		EnvOverrides: func(p Params) map[string]string {
			return map[string]string{
				"GOOGLE_GEMINI_BASE_URL": p.BaseURL,
				"GEMINI_API_KEY":         p.apiKey(),
			}
		},
		TransformArgs: func(args []string, p Params) []string {
			if p.Model == "" || hasFlag(args, "--model", "-m") {
				return args
			}
			return append([]string{"--model", p.Model}, args...)
		},
		NewParser: func(home string) parser.SessionParser { return parser.NewGeminiParser(home) },
	},
}

// Lookup returns the definition for name.
func Lookup(name string) (*Definition, error) {
	def, ok := registry[name]
	if !ok {
		return nil, codemieerr.New(codemieerr.KindConfiguration, "unknown agent").
			WithContext("agent", name)
	}
	return def, nil
}

// Names returns the registered agent names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Env renders the overrides for p as KEY=VALUE pairs suitable for exec.
func (d *Definition) Env(p Params) []string {
	overrides := d.EnvOverrides(p)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

// Args applies the definition's argument transform.
func (d *Definition) Args(args []string, p Params) []string {
	if d.TransformArgs == nil {
		return args
	}
	return d.TransformArgs(args, p)
}

func hasFlag(args []string, names ...string) bool {
	for _, arg := range args {
		for _, name := range names {
			if arg == name {
				return true
			}
		}
	}
	return false
}
