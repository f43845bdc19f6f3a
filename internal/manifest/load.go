package manifest

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Reads and parses a pipeline manifest from disk.
func Load(path string) (*Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrManifest, path, err)
	}

	p, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Parses a pipeline manifest from YAML.
//
// Decoding is strict: unknown fields are errors, so a typo in a manifest
// fails loudly instead of silently dropping a step. The parsed pipeline is
// validated before it is returned.
func Parse(b []byte) (*Pipeline, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
