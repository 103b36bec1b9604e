// Package config loads component configuration from an INI file.
//
// Each component declares a Spec naming its options with their types and
// defaults. Unknown keys in the component's section are rejected unless
// the spec is declared open (the INI-spec `...` marker). Credentials may
// be overlaid from the environment; a .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

type OptionType int

const (
	Str OptionType = iota
	Int
	Bool
	Duration
	List // comma-separated strings
)

// Option is one typed entry of a component spec. Dotted names are
// allowed (e.g. "stream_api.enabled").
type Option struct {
	Name     string
	Type     OptionType
	Default  string
	Required bool
}

// Spec is a component's configuration contract.
type Spec struct {
	Section string
	Options []Option
	// Open corresponds to a spec ending with "...": unknown keys in the
	// section are kept instead of rejected.
	Open bool
}

// Section holds the resolved, validated values for one component.
type Section struct {
	name   string
	values map[string]string
	types  map[string]OptionType
}

// DefaultPath is used when N6_CONFIG is not set.
const DefaultPath = "/etc/n6/n6pipe.conf"

// Load reads the INI file, validates the spec's section against the
// spec and returns the resolved values. A missing section is an error
// only if the spec has required options.
func Load(path string, spec Spec) (*Section, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("N6_CONFIG")
		if path == "" {
			path = DefaultPath
		}
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return resolve(file, spec)
}

// Parse validates raw INI bytes against a spec. Used by tests and by
// components that embed their defaults.
func Parse(data []byte, spec Spec) (*Section, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return resolve(file, spec)
}

func resolve(file *ini.File, spec Spec) (*Section, error) {
	s := &Section{
		name:   spec.Section,
		values: make(map[string]string),
		types:  make(map[string]OptionType),
	}

	known := make(map[string]Option, len(spec.Options))
	for _, opt := range spec.Options {
		known[opt.Name] = opt
		s.types[opt.Name] = opt.Type
		if opt.Default != "" || !opt.Required {
			s.values[opt.Name] = opt.Default
		}
	}

	sec := file.Section(spec.Section)
	for _, key := range sec.Keys() {
		name := key.Name()
		if _, ok := known[name]; !ok {
			if spec.Open {
				s.values[name] = key.Value()
				s.types[name] = Str
				continue
			}
			return nil, fmt.Errorf("config: [%s] unknown option %q", spec.Section, name)
		}
		s.values[name] = key.Value()
	}

	for _, opt := range spec.Options {
		v, ok := s.values[opt.Name]
		if opt.Required && (!ok || v == "") {
			return nil, fmt.Errorf("config: [%s] missing required option %q", spec.Section, opt.Name)
		}
		if v == "" {
			continue
		}
		if err := checkType(opt, v); err != nil {
			return nil, fmt.Errorf("config: [%s] option %q: %w", spec.Section, opt.Name, err)
		}
	}
	return s, nil
}

func checkType(opt Option, v string) error {
	switch opt.Type {
	case Int:
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
	case Bool:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
	case Duration:
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("not a duration: %q", v)
		}
	}
	return nil
}

func (s *Section) Name() string { return s.name }

func (s *Section) Has(name string) bool {
	v, ok := s.values[name]
	return ok && v != ""
}

func (s *Section) Str(name string) string { return s.values[name] }

func (s *Section) Int(name string) int {
	n, _ := strconv.Atoi(s.values[name])
	return n
}

func (s *Section) Bool(name string) bool {
	b, _ := strconv.ParseBool(s.values[name])
	return b
}

func (s *Section) Dur(name string) time.Duration {
	d, _ := time.ParseDuration(s.values[name])
	return d
}

// List splits a comma-separated option, trimming whitespace and
// dropping empty items.
func (s *Section) List(name string) []string {
	raw := strings.Split(s.values[name], ",")
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Env returns an environment variable with a fallback, for credentials
// that must not live in the INI file.
func Env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
