package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/stewardai/governor/internal/models"
)

// Catalog is the read-only tool policy catalogue. Tool entries plus the
// hard-deny and background-deny sets load once at startup; malformed
// catalogue data is a startup failure, never a runtime error.
type Catalog struct {
	tools          map[string]models.ToolPolicy
	hardDeny       []string
	backgroundDeny []string
}

type catalogFile struct {
	Tools          []models.ToolPolicy `json:"tools"`
	HardDeny       []string            `json:"hardDeny"`
	BackgroundDeny []string            `json:"backgroundDeny"`
}

// Load reads and validates the catalogue JSON file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return Parse(data)
}

// Parse validates catalogue bytes.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	c := &Catalog{
		tools:          make(map[string]models.ToolPolicy, len(file.Tools)),
		hardDeny:       file.HardDeny,
		backgroundDeny: file.BackgroundDeny,
	}
	for _, tool := range file.Tools {
		if tool.Name == "" {
			return nil, fmt.Errorf("catalogue tool with empty name")
		}
		if !tool.PolicyLevel.Valid() {
			return nil, fmt.Errorf("tool %q: invalid policy level %q", tool.Name, tool.PolicyLevel)
		}
		if tool.HoldMinutes != nil && *tool.HoldMinutes < 0 {
			return nil, fmt.Errorf("tool %q: negative holdMinutes", tool.Name)
		}
		if _, dup := c.tools[tool.Name]; dup {
			return nil, fmt.Errorf("tool %q: duplicate catalogue entry", tool.Name)
		}
		c.tools[tool.Name] = tool
	}
	return c, nil
}

// Lookup returns the policy for a tool by name.
func (c *Catalog) Lookup(name string) (models.ToolPolicy, bool) {
	tool, ok := c.tools[name]
	return tool, ok
}

// HardDeny returns the unconditionally denied tool names.
func (c *Catalog) HardDeny() []string { return c.hardDeny }

// BackgroundDeny returns the tool names denied in background cycles.
func (c *Catalog) BackgroundDeny() []string { return c.backgroundDeny }
