// Package install registers the imgrep MCP server with AI agents by editing
// their JSON configuration files.
package install

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ServerKey is the name imgrep is registered under.
const ServerKey = "imgrep"

// Agent describes where an agent keeps its MCP server list.
type Agent struct {
	// Name is the CLI target, e.g. "claude-code".
	Name string

	// Title is the display name.
	Title string

	// Path returns the config file location under home.
	Path func(home string) string

	// Section is the top-level key holding the server map.
	Section string

	// Entry builds the server entry for a launch command.
	Entry func(command []string) map[string]any

	// Defaults are top-level keys added when absent.
	Defaults map[string]any
}

var agents = map[string]Agent{
	"claude-code": {
		Name:    "claude-code",
		Title:   "Claude Code",
		Path:    func(home string) string { return filepath.Join(home, ".claude.json") },
		Section: "mcpServers",
		Entry: func(command []string) map[string]any {
			return map[string]any{
				"command": command[0],
				"args":    command[1:],
			}
		},
	},
	"opencode": {
		Name:    "opencode",
		Title:   "OpenCode",
		Path:    openCodeConfigPath,
		Section: "mcp",
		Entry: func(command []string) map[string]any {
			return map[string]any{
				"type":    "local",
				"command": command,
				"enabled": true,
			}
		},
		Defaults: map[string]any{"$schema": "https://opencode.ai/config.json"},
	},
}

// Names returns the supported agent names, sorted.
func Names() []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the agent registered under name.
func Lookup(name string) (Agent, error) {
	a, ok := agents[name]
	if !ok {
		return Agent{}, fmt.Errorf("unknown agent %q (supported: %v)", name, Names())
	}
	return a, nil
}

// Install adds or replaces the imgrep entry in the agent's config and
// returns the file it wrote.
func Install(a Agent, home string, command []string) (string, error) {
	if len(command) == 0 {
		return "", errors.New("empty launch command")
	}

	path := a.Path(home)

	cfg, err := readConfig(path)
	if err != nil {
		return "", err
	}

	for k, v := range a.Defaults {
		if _, ok := cfg[k]; !ok {
			cfg[k] = v
		}
	}

	servers, ok := cfg[a.Section].(map[string]any)
	if !ok {
		servers = make(map[string]any)
	}
	servers[ServerKey] = a.Entry(command)
	cfg[a.Section] = servers

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return path, writeConfig(path, cfg)
}

// Uninstall removes the imgrep entry. It reports false when there was
// nothing to remove.
func Uninstall(a Agent, home string) (string, bool, error) {
	path := a.Path(home)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, false, nil
	}

	cfg, err := readConfig(path)
	if err != nil {
		return path, false, err
	}

	servers, ok := cfg[a.Section].(map[string]any)
	if !ok {
		return path, false, nil
	}
	if _, ok := servers[ServerKey]; !ok {
		return path, false, nil
	}

	delete(servers, ServerKey)
	cfg[a.Section] = servers

	return path, true, writeConfig(path, cfg)
}

// openCodeConfigPath prefers an existing opencode.json or opencode.jsonc.
func openCodeConfigPath(home string) string {
	dir := filepath.Join(home, ".config", "opencode")
	jsonPath := filepath.Join(dir, "opencode.json")

	for _, p := range []string{jsonPath, filepath.Join(dir, "opencode.jsonc")} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return jsonPath
}

func readConfig(path string) (map[string]any, error) {
	cfg := make(map[string]any)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse existing config %s: %w", path, err)
	}
	return cfg, nil
}

func writeConfig(path string, cfg map[string]any) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
