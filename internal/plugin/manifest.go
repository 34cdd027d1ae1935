package plugin

import (
	"encoding/json"
	"fmt"
	"os"
)

// ManifestFileName is the manifest file expected in each plugin directory.
const ManifestFileName = "plugin.json"

// Known plugin sources. Only "cli" has a shipped implementation today;
// the others are reserved for out-of-process and API-backed variants.
const (
	SourceCLI   = "cli"
	SourceAPI   = "api"
	SourceADK   = "adk"
	SourceLocal = "local"
	SourceGRPC  = "grpc"
)

var validSources = map[string]bool{
	SourceCLI:   true,
	SourceAPI:   true,
	SourceADK:   true,
	SourceLocal: true,
	SourceGRPC:  true,
}

var validCapabilities = map[string]bool{
	"chat":     true,
	"tools":    true,
	"plan":     true,
	"code":     true,
	"realtime": true,
	"vision":   true,
}

// Manifest is the declarative record describing one plugin.
type Manifest struct {
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Type         string      `json:"type"` // currently always "llm"
	Source       string      `json:"source"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Entry        string      `json:"entry"`
	Agents       []AgentDecl `json:"agents"`
}

// AgentDecl is one agent declaration inside a manifest.
type AgentDecl struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Description  string   `json:"description,omitempty"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest against the schema: required fields, a known
// source, known capabilities and unique agent ids.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s: version is required", m.Name)
	}
	if m.Type == "" {
		return fmt.Errorf("manifest %s: type is required", m.Name)
	}
	if !validSources[m.Source] {
		return fmt.Errorf("manifest %s: unknown source %q", m.Name, m.Source)
	}
	if m.Entry == "" {
		return fmt.Errorf("manifest %s: entry is required", m.Name)
	}
	for _, cap := range m.Capabilities {
		if !validCapabilities[cap] {
			return fmt.Errorf("manifest %s: unknown capability %q", m.Name, cap)
		}
	}
	seen := make(map[string]bool, len(m.Agents))
	for _, a := range m.Agents {
		if a.ID == "" {
			return fmt.Errorf("manifest %s: agent id is required", m.Name)
		}
		if seen[a.ID] {
			return fmt.Errorf("manifest %s: duplicate agent id %q", m.Name, a.ID)
		}
		seen[a.ID] = true
		for _, cap := range a.Capabilities {
			if !validCapabilities[cap] {
				return fmt.Errorf("manifest %s: agent %s: unknown capability %q", m.Name, a.ID, cap)
			}
		}
	}
	return nil
}
