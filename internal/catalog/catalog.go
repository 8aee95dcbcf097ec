// Package catalog is the read-only collaborator that yields catalog entries
// (spec §1 "explicitly out of scope... the application catalog file format
// (a read-only collaborator yielding catalog entries)"; spec §6 "Application
// spec (catalog entry)"). Entries are loaded once from a directory of YAML
// files at startup and served from memory; the core never writes to this
// store.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"proximity/internal/coreerr"
)

// Resources is the default resource spec a catalog entry requests (spec §6).
type Resources struct {
	CPUCores int `yaml:"cpu_cores" json:"cpu_cores"`
	MemoryMB int `yaml:"memory_mb" json:"memory_mb"`
	DiskGB   int `yaml:"disk_gb" json:"disk_gb"`
}

// Entry is one application definition in the catalog (spec §6).
type Entry struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description" json:"description"`
	Category    string            `yaml:"category" json:"category"`
	Resources   Resources         `yaml:"resources" json:"resources"`
	Ports       []int             `yaml:"ports" json:"ports"` // required published container ports
	Environment map[string]string `yaml:"environment" json:"environment"`
	Volumes     []string          `yaml:"volumes" json:"volumes"`
	// Manifest is the compose manifest (opaque YAML text transferred into
	// the container and executed by the runtime installed there).
	Manifest string `yaml:"manifest" json:"manifest"`
}

// entrySchema validates the shape of a catalog entry at ingress, the one
// place dynamic JSON/YAML shape is tolerated before it is parsed into the
// typed Entry above (spec §9 "the JSON boundary is the only place dynamic
// shape is tolerated").
const entrySchema = `{
	"type": "object",
	"required": ["id", "name", "resources", "ports", "manifest"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"resources": {
			"type": "object",
			"required": ["cpu_cores", "memory_mb", "disk_gb"],
			"properties": {
				"cpu_cores": {"type": "integer", "minimum": 1},
				"memory_mb": {"type": "integer", "minimum": 64},
				"disk_gb": {"type": "integer", "minimum": 1}
			}
		},
		"ports": {"type": "array", "items": {"type": "integer"}, "minItems": 1},
		"manifest": {"type": "string", "minLength": 1}
	}
}`

// Catalog is an in-memory, read-only index of catalog entries keyed by id.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Load reads every *.yaml/*.yml file in dir, validates it against
// entrySchema, and returns a populated Catalog. A single malformed entry
// fails the whole load: the catalog is a static collaborator, not a
// partially-available one.
func Load(dir string) (*Catalog, error) {
	schema := gojsonschema.NewStringLoader(entrySchema)

	entries := make(map[string]Entry)
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, err, "catalog: globbing catalog directory")
	}
	ymlFiles, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInternal, err, "catalog: globbing catalog directory")
	}
	files = append(files, ymlFiles...)
	sort.Strings(files)

	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, err, fmt.Sprintf("catalog: reading %s", path))
		}

		// yaml.v3 round-trips through an any so gojsonschema (which only
		// understands JSON-shaped documents) can validate it.
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInvalidRequest, err, fmt.Sprintf("catalog: parsing %s", path))
		}
		jsonish := convertYAMLMaps(doc)

		result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(jsonish))
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindInternal, err, fmt.Sprintf("catalog: validating %s", path))
		}
		if !result.Valid() {
			var msgs []string
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, coreerr.New(coreerr.KindInvalidRequest, fmt.Sprintf("catalog: %s failed validation: %s", path, strings.Join(msgs, "; ")))
		}

		var entry Entry
		if err := yaml.Unmarshal(raw, &entry); err != nil {
			return nil, coreerr.Wrap(coreerr.KindInvalidRequest, err, fmt.Sprintf("catalog: decoding %s", path))
		}
		entries[entry.ID] = entry
	}

	return &Catalog{entries: entries}, nil
}

// Get returns the entry for id, or NotFound (spec §4.6 D2 "resolve catalog
// entry").
func (c *Catalog) Get(id string) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, coreerr.New(coreerr.KindNotFound, fmt.Sprintf("catalog: no entry %q", id))
	}
	return e, nil
}

// List returns all entries sorted by id, for GET-equivalent browsing by the
// API adapter.
func (c *Catalog) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// convertYAMLMaps recursively turns map[string]interface{} (what yaml.v3
// actually produces for mapping nodes) into the same shape gojsonschema
// expects; yaml.v3 already uses string keys, but nested documents can come
// back as map[any]any-free trees, so this stays a pure passthrough that only
// future-proofs against library quirks.
func convertYAMLMaps(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = convertYAMLMaps(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = convertYAMLMaps(vv)
		}
		return out
	default:
		return val
	}
}
