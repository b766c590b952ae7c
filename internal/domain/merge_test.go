package domain

import (
	"encoding/json"
	"testing"
)

func TestMergeStates_ObjectMerging(t *testing.T) {
	tests := []struct {
		name     string
		current  json.RawMessage
		output   json.RawMessage
		expected string
	}{
		{
			name:     "simple object merge",
			current:  json.RawMessage(`{"name": "John", "age": 30}`),
			output:   json.RawMessage(`{"age": 31, "city": "NYC"}`),
			expected: `{"age":31,"city":"NYC","name":"John"}`,
		},
		{
			name:     "nested object merge",
			current:  json.RawMessage(`{"user": {"name": "John", "age": 30}, "count": 5}`),
			output:   json.RawMessage(`{"user": {"age": 31, "email": "john@example.com"}, "status": "active"}`),
			expected: `{"count":5,"status":"active","user":{"age":31,"email":"john@example.com","name":"John"}}`,
		},
		{
			name:     "output wins on conflicts",
			current:  json.RawMessage(`{"name": "John", "age": 30, "city": "Boston"}`),
			output:   json.RawMessage(`{"age": 31, "city": "NYC"}`),
			expected: `{"age":31,"city":"NYC","name":"John"}`,
		},
		{
			name:     "nested slices append",
			current:  json.RawMessage(`{"tags": ["a", "b"]}`),
			output:   json.RawMessage(`{"tags": ["c"]}`),
			expected: `{"tags":["a","b","c"]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeStates(tt.current, tt.output)
			if err != nil {
				t.Fatalf("MergeStates failed: %v", err)
			}

			if string(merged) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(merged))
			}
		})
	}
}

func TestMergeStates_ArrayConcatenation(t *testing.T) {
	tests := []struct {
		name     string
		current  json.RawMessage
		output   json.RawMessage
		expected string
	}{
		{
			name:     "simple concatenation",
			current:  json.RawMessage(`[1, 2, 3]`),
			output:   json.RawMessage(`[4, 5, 6]`),
			expected: `[1,2,3,4,5,6]`,
		},
		{
			name:     "object arrays",
			current:  json.RawMessage(`[{"id": 1}, {"id": 2}]`),
			output:   json.RawMessage(`[{"id": 3}]`),
			expected: `[{"id":1},{"id":2},{"id":3}]`,
		},
		{
			name:     "empty current array",
			current:  json.RawMessage(`[]`),
			output:   json.RawMessage(`[1, 2]`),
			expected: `[1,2]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeStates(tt.current, tt.output)
			if err != nil {
				t.Fatalf("MergeStates failed: %v", err)
			}

			if string(merged) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(merged))
			}
		})
	}
}

func TestMergeStates_Replacement(t *testing.T) {
	tests := []struct {
		name     string
		current  json.RawMessage
		output   json.RawMessage
		expected string
	}{
		{
			name:     "scalar replaces object",
			current:  json.RawMessage(`{"a": 1}`),
			output:   json.RawMessage(`42`),
			expected: `42`,
		},
		{
			name:     "object replaces array",
			current:  json.RawMessage(`[1, 2]`),
			output:   json.RawMessage(`{"done": true}`),
			expected: `{"done": true}`,
		},
		{
			name:     "string replaces number",
			current:  json.RawMessage(`7`),
			output:   json.RawMessage(`"seven"`),
			expected: `"seven"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := MergeStates(tt.current, tt.output)
			if err != nil {
				t.Fatalf("MergeStates failed: %v", err)
			}

			if string(merged) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(merged))
			}
		})
	}
}

func TestMergeStates_EmptyDocuments(t *testing.T) {
	output, err := MergeStates(nil, json.RawMessage(`{"a": 1}`))
	if err != nil {
		t.Fatalf("MergeStates failed: %v", err)
	}
	if string(output) != `{"a": 1}` {
		t.Errorf("Expected output passthrough, got %s", string(output))
	}

	current, err := MergeStates(json.RawMessage(`{"a": 1}`), nil)
	if err != nil {
		t.Fatalf("MergeStates failed: %v", err)
	}
	if string(current) != `{"a": 1}` {
		t.Errorf("Expected current passthrough, got %s", string(current))
	}
}

func TestMergeStates_InvalidJSON(t *testing.T) {
	_, err := MergeStates(json.RawMessage(`{broken`), json.RawMessage(`{"a": 1}`))
	if err == nil {
		t.Fatal("Expected error for invalid current document")
	}
	if !IsSerialization(err) {
		t.Errorf("Expected serialization error, got %v", err)
	}
}

func TestLookupPath(t *testing.T) {
	doc := json.RawMessage(`{"user": {"name": "Ada", "address": {"city": "London"}}, "count": 3}`)

	tests := []struct {
		name     string
		path     string
		found    bool
		expected string
	}{
		{name: "top level", path: "count", found: true, expected: `3`},
		{name: "nested", path: "user.name", found: true, expected: `"Ada"`},
		{name: "deep nested", path: "user.address.city", found: true, expected: `"London"`},
		{name: "subtree", path: "user.address", found: true, expected: `{"city":"London"}`},
		{name: "missing key", path: "user.email", found: false},
		{name: "path through scalar", path: "count.value", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, found, err := LookupPath(doc, tt.path)
			if err != nil {
				t.Fatalf("LookupPath failed: %v", err)
			}
			if found != tt.found {
				t.Fatalf("Expected found=%v, got %v", tt.found, found)
			}
			if found && string(value) != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, string(value))
			}
		})
	}
}

func TestLookupPath_EmptyPathReturnsDocument(t *testing.T) {
	doc := json.RawMessage(`{"a": 1}`)
	value, found, err := LookupPath(doc, "")
	if err != nil {
		t.Fatalf("LookupPath failed: %v", err)
	}
	if !found || string(value) != `{"a": 1}` {
		t.Errorf("Expected document passthrough, got found=%v value=%s", found, string(value))
	}
}
