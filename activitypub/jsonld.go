package activitypub

import (
	"encoding/json"
	"fmt"
)

// Object is a decoded JSON-LD activity or object. Inbound documents are
// walked through tolerant accessors instead of static DTOs, because the
// same logical property can arrive as an IRI string, an inline object, or
// an array of either depending on how the sender compacted it.
type Object map[string]any

func ParseObject(body []byte) (Object, error) {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse activity JSON: %w", err)
	}
	return Object(obj), nil
}

// Str returns the plain string value of a key, or "" when it is anything
// else.
func (o Object) Str(key string) string {
	if s, ok := o[key].(string); ok {
		return s
	}
	return ""
}

// IRI resolves a key to a single IRI: a string value is taken as-is, an
// inline object contributes its id, and an array contributes its first
// resolvable element.
func (o Object) IRI(key string) string {
	return iriOf(o[key])
}

// IRIs resolves a key to every IRI it carries, flattening arrays.
func (o Object) IRIs(key string) []string {
	var iris []string
	switch v := o[key].(type) {
	case []any:
		for _, item := range v {
			if iri := iriOf(item); iri != "" {
				iris = append(iris, iri)
			}
		}
	default:
		if iri := iriOf(v); iri != "" {
			iris = append(iris, iri)
		}
	}
	return iris
}

// Child returns the inline object under a key, or nil when the value is an
// IRI reference or absent. Arrays contribute their first inline object.
func (o Object) Child(key string) Object {
	switch v := o[key].(type) {
	case map[string]any:
		return Object(v)
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				return Object(m)
			}
		}
	}
	return nil
}

func (o Object) Type() string {
	return o.IRI("type")
}

func (o Object) Id() string {
	return o.Str("id")
}

func (o Object) ActorIRI() string {
	return o.IRI("actor")
}

// Addressees returns the union of the to and cc audiences.
func (o Object) Addressees() []string {
	return append(o.IRIs("to"), o.IRIs("cc")...)
}

func iriOf(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if id, ok := val["id"].(string); ok {
			return id
		}
	case []any:
		for _, item := range val {
			if iri := iriOf(item); iri != "" {
				return iri
			}
		}
	}
	return ""
}
