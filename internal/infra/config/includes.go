package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// includer overlays included YAML files onto a Config. Include patterns are
// relative to the including file and may be globs, but every resolved file
// must stay under the root config's directory. A file reached twice through
// different parents is merged once; a file that includes one of its own
// ancestors is an error.
type includer struct {
	root   string
	chain  []string // files currently being merged, outermost first
	merged map[string]bool
}

func newIncluder(mainPath string) *includer {
	return &includer{
		root:   filepath.Dir(mainPath),
		chain:  []string{mainPath},
		merged: map[string]bool{mainPath: true},
	}
}

// apply merges cfg.Includes, listed by the file at the top of the chain,
// and clears the list.
func (in *includer) apply(cfg *Config) error {
	if len(in.chain) > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded at %q", maxIncludeDepth, in.chain[len(in.chain)-1])
	}
	dir := filepath.Dir(in.chain[len(in.chain)-1])

	patterns := cfg.Includes
	cfg.Includes = nil
	for _, pattern := range patterns {
		files, err := in.resolve(dir, pattern)
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := in.merge(cfg, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve expands pattern relative to dir. A literal name is returned even
// when absent so the read names it; a glob keeps only .yaml and .yml matches.
func (in *includer) resolve(dir, pattern string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}
	pattern = filepath.Clean(pattern)
	if rel, err := filepath.Rel(in.root, pattern); err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("config includes: path %q escapes config directory %q", pattern, in.root)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		return []string{pattern}, nil
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	return slices.DeleteFunc(matches, func(m string) bool {
		ext := filepath.Ext(m)
		return ext != ".yaml" && ext != ".yml"
	}), nil
}

func (in *includer) merge(cfg *Config, path string) error {
	if slices.Contains(in.chain, path) {
		return fmt.Errorf("config includes: circular include detected for %q", path)
	}
	if in.merged[path] {
		return nil
	}
	in.merged[path] = true

	if err := validatePermissions(path); err != nil {
		return fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}

	in.chain = append(in.chain, path)
	defer func() { in.chain = in.chain[:len(in.chain)-1] }()
	return in.apply(cfg)
}
