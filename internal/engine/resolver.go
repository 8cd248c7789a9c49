package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"jobqueue/pkg/models"
)

// placeholder matches {{tasks[N].output_data.path}} and
// {{tasks[N].input_data.path}}.
var placeholder = regexp.MustCompile(`\{\{\s*tasks\[(\d+)\]\.(input_data|output_data)((?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// ResolveError reports a placeholder that cannot be resolved.
type ResolveError struct {
	Placeholder string
	Reason      string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %s", e.Placeholder, e.Reason)
}

// Resolver substitutes placeholders in task body templates with data from
// earlier tasks of the same job. Queries are compiled once and cached.
type Resolver struct {
	cache sync.Map // expression -> *gojq.Code
}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns a copy of template with every placeholder replaced.
// earlier holds the preceding tasks, indexed by order. A string that is
// exactly one placeholder takes the referenced value with its JSON type;
// placeholders embedded in longer strings are formatted as text. Paths
// that do not exist resolve to null.
func (r *Resolver) Resolve(template map[string]interface{}, earlier []*models.Task) (map[string]interface{}, error) {
	if template == nil {
		return nil, nil
	}
	doc, err := resolverInput(earlier)
	if err != nil {
		return nil, err
	}
	out, err := r.resolveValue(template, doc, len(earlier))
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func resolverInput(earlier []*models.Task) (interface{}, error) {
	tasks := make([]interface{}, len(earlier))
	for i, t := range earlier {
		tasks[i] = map[string]interface{}{
			"input_data":  t.InputData,
			"output_data": t.OutputData,
		}
	}
	return normalizeJSON(map[string]interface{}{"tasks": tasks})
}

func (r *Resolver) resolveValue(v interface{}, doc interface{}, n int) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			resolved, err := r.resolveValue(val, doc, n)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			resolved, err := r.resolveValue(val, doc, n)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return r.resolveString(t, doc, n)
	default:
		return v, nil
	}
}

func (r *Resolver) resolveString(s string, doc interface{}, n int) (interface{}, error) {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return r.lookup(s, matches[0], doc, n)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		val, err := r.lookup(s, m, doc, n)
		if err != nil {
			return nil, err
		}
		b.WriteString(formatValue(val))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func (r *Resolver) lookup(s string, m []int, doc interface{}, n int) (interface{}, error) {
	text := s[m[0]:m[1]]
	index, err := strconv.Atoi(s[m[2]:m[3]])
	if err != nil {
		return nil, &ResolveError{Placeholder: text, Reason: "bad task index"}
	}
	if index >= n {
		return nil, &ResolveError{Placeholder: text, Reason: fmt.Sprintf("task index %d out of range (available: %d)", index, n)}
	}

	expr := fmt.Sprintf(".tasks[%d].%s", index, s[m[4]:m[5]])
	if m[6] >= 0 && m[7] > m[6] {
		for _, field := range strings.Split(strings.TrimPrefix(s[m[6]:m[7]], "."), ".") {
			expr += "[" + strconv.Quote(field) + "]?"
		}
	}

	code, err := r.compile(expr)
	if err != nil {
		return nil, &ResolveError{Placeholder: text, Reason: err.Error()}
	}
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, &ResolveError{Placeholder: text, Reason: err.Error()}
	}
	return v, nil
}

func (r *Resolver) compile(expr string) (*gojq.Code, error) {
	if code, ok := r.cache.Load(expr); ok {
		return code.(*gojq.Code), nil
	}
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, err
	}
	r.cache.Store(expr, code)
	return code, nil
}

func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
