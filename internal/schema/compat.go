package schema

import "sort"

// MismatchKind classifies a compatibility failure.
type MismatchKind string

const (
	MissingProperty MismatchKind = "missing_property"
	TypeMismatch    MismatchKind = "type_mismatch"
)

// Mismatch is one reason a producer's output does not satisfy a
// consumer's input. Property is a dotted path for nested objects.
type Mismatch struct {
	Kind     MismatchKind `json:"kind"`
	Property string       `json:"property"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
}

// Compare checks that producer (an output schema) satisfies consumer (an
// input schema): every property the consumer requires must be declared by
// the producer, and properties declared by both must agree on type. Types
// are compared exactly. Results are sorted by property then kind.
func Compare(producer, consumer *Schema) []Mismatch {
	var out []Mismatch
	compare("", producer, consumer, &out)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Property != out[j].Property {
			return out[i].Property < out[j].Property
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

func compare(prefix string, producer, consumer *Schema, out *[]Mismatch) {
	if producer == nil || consumer == nil {
		return
	}
	for _, name := range consumer.Required {
		if _, ok := producer.Properties[name]; !ok {
			*out = append(*out, Mismatch{
				Kind:     MissingProperty,
				Property: prefix + name,
				Expected: consumer.Properties[name].typeName(),
			})
		}
	}
	for _, name := range sortedKeys(consumer.Properties) {
		want := consumer.Properties[name]
		have, ok := producer.Properties[name]
		if !ok {
			continue
		}
		compareNode(prefix+name, have, want, out)
	}
}

func compareNode(path string, have, want *Schema, out *[]Mismatch) {
	if have == nil || want == nil || have.Type == "" || want.Type == "" {
		return
	}
	if have.Type != want.Type {
		*out = append(*out, Mismatch{
			Kind:     TypeMismatch,
			Property: path,
			Expected: want.Type,
			Actual:   have.Type,
		})
		return
	}
	switch want.Type {
	case TypeObject:
		compare(path+".", have, want, out)
	case TypeArray:
		compareNode(path+"[]", have.Items, want.Items, out)
	}
}

func (s *Schema) typeName() string {
	if s == nil {
		return ""
	}
	return s.Type
}
