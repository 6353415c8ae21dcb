package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// OverlayFile is the file name inside the overlay directory.
const OverlayFile = "bundle.yaml"

// Defaults used when an overlay is created from scratch.
const (
	DefaultOverlayName    = "tether"
	DefaultOverlayVersion = "0.1.0"
)

// Meta is the bundle header of an overlay document.
type Meta struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Include references another bundle by URI. Both the mapping form
// `{bundle: uri}` and a bare string are accepted on read.
type Include struct {
	Bundle string `yaml:"bundle" json:"bundle"`
}

func (i *Include) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		i.Bundle = node.Value
		return nil
	}
	type plain Include
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*i = Include(p)
	return nil
}

// Document is the parsed overlay bundle.yaml.
type Document struct {
	Bundle   Meta      `yaml:"bundle" json:"bundle"`
	Includes []Include `yaml:"includes,omitempty" json:"includes,omitempty"`
}

// URIs returns the include URIs in declaration order.
func (d *Document) URIs() []string {
	out := make([]string, 0, len(d.Includes))
	for _, inc := range d.Includes {
		out = append(out, inc.Bundle)
	}
	return out
}

func (d *Document) hasInclude(uri string) bool {
	for _, inc := range d.Includes {
		if inc.Bundle == uri {
			return true
		}
	}
	return false
}

const overlaySchema = `{
  "type": "object",
  "required": ["bundle"],
  "properties": {
    "bundle": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"},
        "description": {"type": "string"}
      }
    },
    "includes": {
      "type": "array",
      "items": {
        "oneOf": [
          {"type": "string", "minLength": 1},
          {
            "type": "object",
            "required": ["bundle"],
            "properties": {"bundle": {"type": "string", "minLength": 1}}
          }
        ]
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(overlaySchema))
	})
	return schema, schemaErr
}

// ErrInvalidOverlay is wrapped by every validation failure.
var ErrInvalidOverlay = errors.New("invalid overlay")

// Validate parses raw YAML and checks it against the overlay schema. A
// non-empty bundle version must be valid semver.
func Validate(raw []byte) (*Document, error) {
	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}
	if generic == nil {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidOverlay)
	}

	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile overlay schema: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewGoLoader(generic))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, msgs)
	}

	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOverlay, err)
	}
	if doc.Bundle.Version != "" {
		if _, err := semver.NewVersion(doc.Bundle.Version); err != nil {
			return nil, fmt.Errorf("%w: bundle version %q: %v", ErrInvalidOverlay, doc.Bundle.Version, err)
		}
	}
	return &doc, nil
}

// Overlay manages the local bundle.yaml that composes the shared bundle.
// Writes go through Save so the OnWrite callback (normally a reload) fires.
type Overlay struct {
	dir string

	mu      sync.Mutex
	onWrite func()
}

// NewOverlay returns an overlay rooted at dir; the directory is created on
// first write.
func NewOverlay(dir string) *Overlay {
	return &Overlay{dir: dir}
}

func (o *Overlay) Dir() string  { return o.dir }
func (o *Overlay) Path() string { return filepath.Join(o.dir, OverlayFile) }

// Exists reports whether bundle.yaml is present.
func (o *Overlay) Exists() bool {
	_, err := os.Stat(o.Path())
	return err == nil
}

// Version is the overlay file's modification time in fractional Unix
// seconds, or "" when there is no overlay.
func (o *Overlay) Version() string {
	info, err := os.Stat(o.Path())
	if err != nil {
		return ""
	}
	secs := float64(info.ModTime().UnixNano()) / 1e9
	return strconv.FormatFloat(secs, 'f', -1, 64)
}

// OnWrite sets the callback run after every successful Save.
func (o *Overlay) OnWrite(fn func()) {
	o.mu.Lock()
	o.onWrite = fn
	o.mu.Unlock()
}

// Read parses the overlay. A missing file yields (nil, nil).
func (o *Overlay) Read() (*Document, error) {
	raw, err := os.ReadFile(o.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}
	return Validate(raw)
}

// Save validates and atomically writes doc, then fires OnWrite.
func (o *Overlay) Save(doc *Document) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode overlay: %w", err)
	}
	if _, err := Validate(raw); err != nil {
		return err
	}

	o.mu.Lock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("create overlay dir: %w", err)
	}
	tmp := o.Path() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		o.mu.Unlock()
		return fmt.Errorf("write overlay: %w", err)
	}
	if err := os.Rename(tmp, o.Path()); err != nil {
		_ = os.Remove(tmp)
		o.mu.Unlock()
		return fmt.Errorf("replace overlay: %w", err)
	}
	fn := o.onWrite
	o.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Ensure creates the overlay if it is missing and makes sure every uri is
// included, keeping existing entries first.
func (o *Overlay) Ensure(uris ...string) (*Document, error) {
	doc, err := o.Read()
	if err != nil {
		return nil, err
	}
	changed := false
	if doc == nil {
		doc = &Document{Bundle: Meta{
			Name:        DefaultOverlayName,
			Version:     DefaultOverlayVersion,
			Description: "Local tether environment",
		}}
		changed = true
	}
	for _, uri := range uris {
		if uri != "" && !doc.hasInclude(uri) {
			doc.Includes = append(doc.Includes, Include{Bundle: uri})
			changed = true
		}
	}
	if !changed {
		return doc, nil
	}
	return doc, o.Save(doc)
}

// AddInclude appends uri if it is not already included. It is a no-op when
// no overlay exists yet.
func (o *Overlay) AddInclude(uri string) error {
	doc, err := o.Read()
	if err != nil || doc == nil {
		return err
	}
	if doc.hasInclude(uri) {
		return nil
	}
	doc.Includes = append(doc.Includes, Include{Bundle: uri})
	return o.Save(doc)
}

// RemoveInclude drops every include of uri. It is a no-op when no overlay
// exists yet.
func (o *Overlay) RemoveInclude(uri string) error {
	doc, err := o.Read()
	if err != nil || doc == nil {
		return err
	}
	kept := doc.Includes[:0]
	for _, inc := range doc.Includes {
		if inc.Bundle != uri {
			kept = append(kept, inc)
		}
	}
	doc.Includes = kept
	return o.Save(doc)
}
