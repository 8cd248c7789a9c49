package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	doc := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]interface{}, len(required))
		for i, r := range required {
			req[i] = r
		}
		doc["required"] = req
	}
	return doc
}

func prop(t string) map[string]interface{} {
	return map[string]interface{}{"type": t}
}

func TestParse(t *testing.T) {
	t.Run("Empty document means no schema", func(t *testing.T) {
		s, err := Parse(nil)
		assert.NoError(t, err)
		assert.Nil(t, s)
	})

	t.Run("Valid object", func(t *testing.T) {
		s, err := Parse(object(map[string]interface{}{
			"id":   prop("string"),
			"meta": object(map[string]interface{}{"n": prop("integer")}, "n"),
		}, "id"))
		require.NoError(t, err)
		assert.Equal(t, TypeObject, s.Type)
		assert.Equal(t, []string{"id", "meta"}, s.PropertyNames())
		assert.True(t, s.IsRequired("id"))
		assert.Equal(t, TypeInteger, s.Properties["meta"].Properties["n"].Type)
	})

	t.Run("Required accepts string slices", func(t *testing.T) {
		doc := map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"a": prop("string")},
			"required":   []string{"a"},
		}
		s, err := Parse(doc)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, s.Required)
	})

	tests := []struct {
		name    string
		doc     map[string]interface{}
		problem string
	}{
		{"Missing type", map[string]interface{}{"properties": map[string]interface{}{}}, "missing \"type\""},
		{"Unknown type", map[string]interface{}{"type": "thing"}, "unrecognized type \"thing\""},
		{"Properties not a mapping", map[string]interface{}{"type": "object", "properties": []interface{}{"a"}}, "must be a mapping"},
		{"Required not declared", object(map[string]interface{}{"a": prop("string")}, "b"), "\"b\" is not declared in properties"},
		{"Required not a list", map[string]interface{}{"type": "object", "required": "a"}, "must be a list of strings"},
		{"Nested unknown type", object(map[string]interface{}{"a": prop("decimal")}), "unrecognized type \"decimal\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			require.Error(t, err)
			var docErr *DocumentError
			require.ErrorAs(t, err, &docErr)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}

	t.Run("Collects every problem", func(t *testing.T) {
		doc := object(map[string]interface{}{"a": prop("decimal"), "b": "string"}, "c")
		_, err := Parse(doc)
		var docErr *DocumentError
		require.ErrorAs(t, err, &docErr)
		assert.Len(t, docErr.Problems, 3)
	})

	t.Run("Draft keywords are checked", func(t *testing.T) {
		doc := map[string]interface{}{"type": "integer", "minimum": "zero"}
		assert.Error(t, ValidateDocument(doc))
	})
}

func TestCompare(t *testing.T) {
	out, err := Parse(object(map[string]interface{}{
		"user_id": prop("string"),
		"score":   prop("number"),
		"profile": object(map[string]interface{}{"email": prop("string")}),
	}, "user_id"))
	require.NoError(t, err)

	t.Run("Compatible", func(t *testing.T) {
		in, err := Parse(object(map[string]interface{}{"user_id": prop("string")}, "user_id"))
		require.NoError(t, err)
		assert.Empty(t, Compare(out, in))
	})

	t.Run("Missing required properties reported individually", func(t *testing.T) {
		in, err := Parse(object(map[string]interface{}{
			"order_id": prop("string"),
			"amount":   prop("number"),
			"note":     prop("string"),
		}, "order_id", "amount"))
		require.NoError(t, err)
		got := Compare(out, in)
		require.Len(t, got, 2)
		assert.Equal(t, Mismatch{Kind: MissingProperty, Property: "amount", Expected: "number"}, got[0])
		assert.Equal(t, Mismatch{Kind: MissingProperty, Property: "order_id", Expected: "string"}, got[1])
	})

	t.Run("Type mismatch without coercion", func(t *testing.T) {
		in, err := Parse(object(map[string]interface{}{"score": prop("integer")}))
		require.NoError(t, err)
		got := Compare(out, in)
		require.Len(t, got, 1)
		assert.Equal(t, Mismatch{Kind: TypeMismatch, Property: "score", Expected: "integer", Actual: "number"}, got[0])
	})

	t.Run("Nested objects use dotted paths", func(t *testing.T) {
		in, err := Parse(object(map[string]interface{}{
			"profile": object(map[string]interface{}{"email": prop("integer"), "phone": prop("string")}, "phone"),
		}))
		require.NoError(t, err)
		got := Compare(out, in)
		require.Len(t, got, 2)
		assert.Equal(t, "profile.email", got[0].Property)
		assert.Equal(t, TypeMismatch, got[0].Kind)
		assert.Equal(t, "profile.phone", got[1].Property)
		assert.Equal(t, MissingProperty, got[1].Kind)
	})

	t.Run("Nil schemas are not compared", func(t *testing.T) {
		assert.Empty(t, Compare(nil, out))
		assert.Empty(t, Compare(out, nil))
	})
}

func TestValidateData(t *testing.T) {
	doc := object(map[string]interface{}{"id": prop("string"), "count": prop("integer")}, "id")

	assert.NoError(t, ValidateData(doc, map[string]interface{}{"id": "a", "count": 3}))
	assert.Error(t, ValidateData(doc, map[string]interface{}{"count": 3}))
	assert.Error(t, ValidateData(doc, map[string]interface{}{"id": 7}))
	assert.NoError(t, ValidateData(nil, "anything"))
}
