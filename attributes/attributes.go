// Package attributes implements the declarative attribute permission model.
// Each attribute names where its value lives (local, remote, or cached) and
// the minimum authentication level required to check, get, or set it. The
// schema is loaded once at process start and is immutable afterwards.
package attributes

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StorageKind says where an attribute's value lives.
type StorageKind string

const (
	// StorageLocal values are owned by this system and read from the
	// persisted user record.
	StorageLocal StorageKind = "local"

	// StorageRemote values are owned by the identity provider and fetched
	// live on every read.
	StorageRemote StorageKind = "remote"

	// StorageCached values are owned by the identity provider but mirrored
	// into the user record after the first fetch.
	StorageCached StorageKind = "cached"
)

// Operation is an access kind checked against an attribute's thresholds.
type Operation string

const (
	OpCheck Operation = "check"
	OpGet   Operation = "get"
	OpSet   Operation = "set"
)

// Definition describes one attribute.
type Definition struct {
	Name     string      `yaml:"name"`
	Storage  StorageKind `yaml:"storage"`
	Writable bool        `yaml:"writable"`

	// Minimum authentication level per operation. The check threshold may
	// never exceed the get threshold, and for writable attributes the get
	// threshold may never exceed the set threshold.
	CheckLevel int `yaml:"check_level"`
	GetLevel   int `yaml:"get_level"`
	SetLevel   int `yaml:"set_level"`
}

// Schema is a validated, immutable attribute table.
type Schema struct {
	defs map[string]Definition
}

// schemaFile is the on-disk YAML shape.
type schemaFile struct {
	Attributes []Definition `yaml:"attributes"`
}

// New builds a schema from definitions, rejecting any entry that violates the
// threshold ordering invariant. Validation is a pure function of the table.
func New(defs []Definition) (*Schema, error) {
	byName := make(map[string]Definition, len(defs))

	for _, def := range defs {
		if err := validate(def); err != nil {
			return nil, err
		}
		if _, dup := byName[def.Name]; dup {
			return nil, fmt.Errorf("attribute %q: duplicate definition", def.Name)
		}
		byName[def.Name] = def
	}

	return &Schema{defs: byName}, nil
}

// Load parses a YAML document of the form:
//
//	attributes:
//	  - name: email
//	    storage: cached
//	    writable: true
//	    check_level: 0
//	    get_level: 0
//	    set_level: 1
func Load(data []byte) (*Schema, error) {
	var file schemaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse attribute schema: %w", err)
	}
	return New(file.Attributes)
}

// LoadFile reads and parses a YAML schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute schema: %w", err)
	}
	return Load(data)
}

// validate checks a single definition's invariants.
func validate(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("attribute with empty name")
	}

	switch def.Storage {
	case StorageLocal, StorageRemote, StorageCached:
	default:
		return fmt.Errorf("attribute %q: unknown storage kind %q", def.Name, def.Storage)
	}

	if def.CheckLevel < 0 || def.GetLevel < 0 || def.SetLevel < 0 {
		return fmt.Errorf("attribute %q: negative authentication level", def.Name)
	}

	// The ordering invariant holds for writable and read-only attributes
	// alike; the set threshold only matters when the attribute is writable.
	if def.CheckLevel > def.GetLevel {
		return fmt.Errorf("attribute %q: check level %d exceeds get level %d",
			def.Name, def.CheckLevel, def.GetLevel)
	}
	if def.Writable && def.GetLevel > def.SetLevel {
		return fmt.Errorf("attribute %q: get level %d exceeds set level %d",
			def.Name, def.GetLevel, def.SetLevel)
	}

	return nil
}

// IsDefined reports whether name is in the schema.
func (s *Schema) IsDefined(name string) bool {
	_, ok := s.defs[name]
	return ok
}

// IsWritable reports whether name is defined and writable.
func (s *Schema) IsWritable(name string) bool {
	def, ok := s.defs[name]
	return ok && def.Writable
}

// Storage returns the storage kind for a defined attribute. The second return
// value reports whether the attribute is defined.
func (s *Schema) Storage(name string) (StorageKind, bool) {
	def, ok := s.defs[name]
	return def.Storage, ok
}

// Threshold returns the minimum authentication level for an operation on a
// defined attribute.
func (s *Schema) Threshold(name string, op Operation) (int, bool) {
	def, ok := s.defs[name]
	if !ok {
		return 0, false
	}

	switch op {
	case OpCheck:
		return def.CheckLevel, true
	case OpGet:
		return def.GetLevel, true
	case OpSet:
		return def.SetLevel, true
	default:
		return 0, false
	}
}

// HasPermission reports whether a session at the given authentication level
// may perform op on the named attribute. Unknown attributes and unknown
// operations have no permissions; the caller is responsible for raising an
// unknown-attribute error.
func (s *Schema) HasPermission(name string, op Operation, level int) bool {
	threshold, ok := s.Threshold(name, op)
	return ok && level >= threshold
}
