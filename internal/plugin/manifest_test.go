package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validManifest() *Manifest {
	return &Manifest{
		Name:    "claude-cli",
		Version: "1.0.0",
		Type:    "llm",
		Source:  SourceCLI,
		Entry:   "claude-cli",
		Agents: []AgentDecl{
			{ID: "claude-sonnet-4", Name: "Claude Sonnet", Capabilities: []string{"chat", "code"}},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	require.NoError(t, validManifest().Validate())
}

func TestManifestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"missing name", func(m *Manifest) { m.Name = "" }},
		{"missing version", func(m *Manifest) { m.Version = "" }},
		{"missing type", func(m *Manifest) { m.Type = "" }},
		{"unknown source", func(m *Manifest) { m.Source = "carrier-pigeon" }},
		{"missing entry", func(m *Manifest) { m.Entry = "" }},
		{"unknown capability", func(m *Manifest) { m.Capabilities = []string{"telepathy"} }},
		{"agent without id", func(m *Manifest) { m.Agents[0].ID = "" }},
		{"unknown agent capability", func(m *Manifest) { m.Agents[0].Capabilities = []string{"x"} }},
		{"duplicate agent id", func(m *Manifest) {
			m.Agents = append(m.Agents, AgentDecl{ID: "claude-sonnet-4", Name: "dup"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(m)
			assert.Error(t, m.Validate())
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "claude-cli",
		"version": "1.0.0",
		"type": "llm",
		"source": "cli",
		"entry": "claude-cli",
		"capabilities": ["chat"],
		"agents": [{"id": "claude-sonnet-4", "name": "Claude Sonnet"}]
	}`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", m.Name)
	assert.Equal(t, SourceCLI, m.Source)
	require.Len(t, m.Agents, 1)
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadManifest(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{broken`), 0o644))
	_, err = LoadManifest(bad)
	assert.Error(t, err)
}
