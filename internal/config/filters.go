package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ContextFilters allow-lists the external sources the bulk-pull adapter
// may mirror locally. Anything not listed is never fetched.
type ContextFilters struct {
	ConfluenceSpaces []string `yaml:"confluence_spaces"`
	JiraProjects     []string `yaml:"jira_projects"`

	// ExcludeTitles filters out pages by exact title match (boilerplate,
	// templates).
	ExcludeTitles []string `yaml:"exclude_titles,omitempty"`
}

// FiltersPath returns the conventional context-filters file location.
func (c *Config) FiltersPath() string {
	return filepath.Join(c.ConfigDir(), "context-filters.yaml")
}

// LoadFilters reads the allow-lists. A missing file means "nothing
// allowed"; the sync adapter then no-ops rather than mirroring the world.
func LoadFilters(path string) (*ContextFilters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ContextFilters{}, nil
		}
		return nil, fmt.Errorf("read context filters: %w", err)
	}
	var f ContextFilters
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse context filters: %w", err)
	}
	return &f, nil
}

// SpaceAllowed reports whether a Confluence space key is in the allow-list.
func (f *ContextFilters) SpaceAllowed(key string) bool {
	for _, s := range f.ConfluenceSpaces {
		if s == key {
			return true
		}
	}
	return false
}

// TitleExcluded reports whether a page title is filtered out.
func (f *ContextFilters) TitleExcluded(title string) bool {
	for _, t := range f.ExcludeTitles {
		if t == title {
			return true
		}
	}
	return false
}
