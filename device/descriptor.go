package device

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"
)

// Kind selects which attribute of a UI node a Descriptor inspects.
type Kind string

const (
	ByText         Kind = "text"
	ByTextContains Kind = "text_contains"
	ByRegex        Kind = "text_matches"
	ByID           Kind = "resource_id"
	ByClass        Kind = "class_name"
	ByDescription  Kind = "description"
)

var kindAliases = map[string]Kind{
	"text":          ByText,
	"text_contains": ByTextContains,
	"textContains":  ByTextContains,
	"contains":      ByTextContains,
	"text_matches":  ByRegex,
	"textMatches":   ByRegex,
	"regex":         ByRegex,
	"resource_id":   ByID,
	"resourceId":    ByID,
	"id":            ByID,
	"class_name":    ByClass,
	"className":     ByClass,
	"class":         ByClass,
	"description":   ByDescription,
	"desc":          ByDescription,
}

// patterns caches compiled ByRegex descriptors; they are evaluated on every poll.
var patterns, _ = lru.New[string, *regexp.Regexp](512)

// Descriptor identifies a UI element by one attribute.
type Descriptor struct {
	Kind  Kind
	Value string
}

func Text(v string) Descriptor         { return Descriptor{Kind: ByText, Value: v} }
func TextContains(v string) Descriptor { return Descriptor{Kind: ByTextContains, Value: v} }
func TextMatches(v string) Descriptor  { return Descriptor{Kind: ByRegex, Value: v} }
func ResourceID(v string) Descriptor   { return Descriptor{Kind: ByID, Value: v} }
func Class(v string) Descriptor        { return Descriptor{Kind: ByClass, Value: v} }
func Description(v string) Descriptor  { return Descriptor{Kind: ByDescription, Value: v} }

func (d Descriptor) String() string {
	return fmt.Sprintf("%s=%q", d.Kind, d.Value)
}

// Validate rejects unknown kinds, empty values and patterns that do not compile.
func (d Descriptor) Validate() error {
	if d.Value == "" {
		return fmt.Errorf("descriptor %s: empty value", d.Kind)
	}
	switch d.Kind {
	case ByText, ByTextContains, ByID, ByClass, ByDescription:
		return nil
	case ByRegex:
		_, err := compilePattern(d.Value)
		return err
	default:
		return fmt.Errorf("descriptor: unknown kind %q", d.Kind)
	}
}

// Matches evaluates the descriptor against a node. Patterns must match the
// whole text, the way the on-device matcher behaves.
func (d Descriptor) Matches(n Node) bool {
	switch d.Kind {
	case ByText:
		return n.Text == d.Value
	case ByTextContains:
		return strings.Contains(n.Text, d.Value)
	case ByRegex:
		re, err := compilePattern(d.Value)
		if err != nil {
			return false
		}
		return re.MatchString(n.Text)
	case ByID:
		return n.ResourceID == d.Value
	case ByClass:
		return n.ClassName == d.Value
	case ByDescription:
		return n.Description == d.Value
	}
	return false
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patterns.Get(p); ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + p + `)$`)
	if err != nil {
		return nil, fmt.Errorf("descriptor pattern %q: %w", p, err)
	}
	patterns.Add(p, re)
	return re, nil
}

// UnmarshalYAML accepts a single-key mapping such as `text: 搜索` or
// `resourceId: com.example:id/search`.
func (d *Descriptor) UnmarshalYAML(value *yaml.Node) error {
	var raw map[string]string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: descriptor must be a mapping: %w", value.Line, err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("line %d: descriptor needs exactly one key, got %d", value.Line, len(raw))
	}
	for key, v := range raw {
		kind, ok := kindAliases[key]
		if !ok {
			return fmt.Errorf("line %d: unknown descriptor key %q", value.Line, key)
		}
		d.Kind = kind
		d.Value = v
	}
	return d.Validate()
}

// MarshalYAML writes the canonical single-key form.
func (d Descriptor) MarshalYAML() (any, error) {
	return map[string]string{string(d.Kind): d.Value}, nil
}
