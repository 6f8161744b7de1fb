package agent

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a persona definition from the YAML file at path.
func Load(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("agent: open persona file: %w", err)
	}
	defer f.Close()

	p, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("agent: persona file %s: %w", path, err)
	}
	return p, nil
}

// LoadFromReader decodes a persona from YAML. Unknown fields are
// rejected so typos surface at startup instead of silently dropping
// configuration.
func LoadFromReader(r io.Reader) (*Persona, error) {
	var p Persona
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Default returns the built-in front-desk persona used when no persona
// file is configured.
func Default() *Persona {
	return &Persona{
		Name:  "front-desk",
		Voice: "alloy",
		Instructions: "You are a friendly phone assistant. Answer briefly and naturally, " +
			"as spoken language. When the caller is done, call wrap_up. When a request " +
			"needs a person, call transfer_to_human.",
		Greeting: "Greet the caller and ask how you can help.",
	}
}
