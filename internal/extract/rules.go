package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// RulesFile is the on-disk form of site adapters.
//
//	sites:
//	  - name: shop
//	    match: ['shop\.example']
//	    price:
//	      - {kind: css, selector: ".price-now"}
//	      - {kind: jsonld, selector: price}
type RulesFile struct {
	Sites []SiteRule `json:"sites"`
}

type SiteRule struct {
	Name        string     `json:"name"`
	Platform    string     `json:"platform,omitempty"`
	Match       []string   `json:"match"`
	Title       []Strategy `json:"title,omitempty"`
	Price       []Strategy `json:"price,omitempty"`
	Image       []Strategy `json:"image,omitempty"`
	Description []Strategy `json:"description,omitempty"`
}

// ParseRules decodes a YAML or JSON rules document strictly and compiles
// it into adapters. path is used only to pick the format.
func ParseRules(path string, data []byte) ([]*Adapter, error) {
	jb, err := coerceToJSONBytes(path, data)
	if err != nil {
		return nil, err
	}
	var rf RulesFile
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("rules: trailing data")
	}

	var errs []error
	out := make([]*Adapter, 0, len(rf.Sites))
	seen := map[string]bool{}
	for _, s := range rf.Sites {
		a, err := s.compile()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("rules: duplicate site %q", a.Name))
			continue
		}
		seen[a.Name] = true
		out = append(out, a)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s SiteRule) compile() (*Adapter, error) {
	a := &Adapter{
		Name:             strings.TrimSpace(s.Name),
		Platform:         strings.TrimSpace(s.Platform),
		NameRules:        s.Title,
		PriceRules:       s.Price,
		ImageRules:       s.Image,
		DescriptionRules: s.Description,
	}
	if a.Platform == "" {
		a.Platform = a.Name
	}
	if len(s.Match) == 0 {
		return nil, fmt.Errorf("rules: site %q: match required", a.Name)
	}
	for _, m := range s.Match {
		re, err := regexp.Compile(m)
		if err != nil {
			return nil, fmt.Errorf("rules: site %q: %w", a.Name, err)
		}
		a.Match = append(a.Match, re)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	return a, nil
}

// LoadRules reads and compiles the rules file at path.
func LoadRules(path string) ([]*Adapter, uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	ads, err := ParseRules(path, b)
	if err != nil {
		return nil, 0, err
	}
	return ads, hashBytes(b), nil
}

// coerceToJSONBytes converts YAML to JSON so both formats share the strict
// JSON decoder.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML makes all map keys strings so the value is JSON-marshalable.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
