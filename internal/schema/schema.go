// Package schema models the JSON-Schema-like documents that describe a
// task's input and output, and checks them for structural validity and
// pairwise compatibility.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Recognized values of the "type" keyword.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeNull    = "null"
)

var knownTypes = map[string]bool{
	TypeObject:  true,
	TypeArray:   true,
	TypeString:  true,
	TypeNumber:  true,
	TypeInteger: true,
	TypeBoolean: true,
	TypeNull:    true,
}

// Schema is the parsed form of a schema document. An empty Type means the
// node accepts any value.
type Schema struct {
	Type       string
	Properties map[string]*Schema
	Required   []string
	Items      *Schema
}

// Problem is one defect found in a schema document.
type Problem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// DocumentError lists every defect found in a schema document.
type DocumentError struct {
	Problems []Problem
}

func (e *DocumentError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Path+": "+p.Message)
	}
	return "invalid schema document: " + strings.Join(parts, "; ")
}

// Parse validates doc and converts it into a Schema. A nil or empty
// document yields a nil Schema and no error.
func Parse(doc map[string]interface{}) (*Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	p := &parser{}
	s := p.node("$", doc, true)
	if len(p.problems) > 0 {
		return nil, &DocumentError{Problems: p.problems}
	}
	if err := checkDraft(doc); err != nil {
		return nil, &DocumentError{Problems: []Problem{{Path: "$", Message: err.Error()}}}
	}
	return s, nil
}

// ValidateDocument reports whether doc is an acceptable schema document.
func ValidateDocument(doc map[string]interface{}) error {
	_, err := Parse(doc)
	return err
}

type parser struct {
	problems []Problem
}

func (p *parser) fail(path, format string, args ...interface{}) {
	p.problems = append(p.problems, Problem{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (p *parser) node(path string, doc map[string]interface{}, root bool) *Schema {
	s := &Schema{}

	switch t := doc["type"].(type) {
	case nil:
		if root {
			p.fail(path, "missing \"type\"")
		}
	case string:
		if !knownTypes[t] {
			p.fail(path, "unrecognized type %q", t)
		}
		s.Type = t
	default:
		p.fail(path, "\"type\" must be a string")
	}

	if raw, ok := doc["properties"]; ok {
		props, isMap := raw.(map[string]interface{})
		if !isMap {
			p.fail(path+".properties", "must be a mapping")
		} else {
			s.Properties = make(map[string]*Schema, len(props))
			for _, name := range sortedKeys(props) {
				child, isMap := props[name].(map[string]interface{})
				if !isMap {
					p.fail(path+".properties."+name, "must be a mapping")
					continue
				}
				s.Properties[name] = p.node(path+".properties."+name, child, false)
			}
		}
	}

	if raw, ok := doc["required"]; ok {
		names, valid := stringList(raw)
		if !valid {
			p.fail(path+".required", "must be a list of strings")
		}
		for _, name := range names {
			if _, ok := s.Properties[name]; !ok {
				p.fail(path+".required", "%q is not declared in properties", name)
			}
		}
		s.Required = names
	}

	if raw, ok := doc["items"]; ok {
		items, isMap := raw.(map[string]interface{})
		if !isMap {
			p.fail(path+".items", "must be a mapping")
		} else {
			s.Items = p.node(path+".items", items, false)
		}
	}

	return s
}

func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return out, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PropertyNames returns the declared top-level property names, sorted.
func (s *Schema) PropertyNames() []string {
	if s == nil {
		return nil
	}
	return sortedKeys(s.Properties)
}

// IsRequired reports whether name is listed in Required.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}
