package domain

import (
	"dario.cat/mergo"
	json "github.com/goccy/go-json"
)

// MergeStates folds a node's output document into the execution's
// accumulated state. Objects deep-merge with the output winning on
// conflicts, arrays concatenate, and anything else replaces the current
// value wholesale.
func MergeStates(current, output json.RawMessage) (json.RawMessage, error) {
	if len(current) == 0 {
		return output, nil
	}

	if len(output) == 0 {
		return current, nil
	}

	var currentData, outputData interface{}

	if err := json.Unmarshal(current, &currentData); err != nil {
		return nil, NewSerializationError("merge current state", err)
	}

	if err := json.Unmarshal(output, &outputData); err != nil {
		return nil, NewSerializationError("merge node output", err)
	}

	switch {
	case isObject(currentData) && isObject(outputData):
		currentMap := currentData.(map[string]interface{})
		outputMap := outputData.(map[string]interface{})

		if err := mergo.Merge(&currentMap, outputMap,
			mergo.WithOverride,
			mergo.WithAppendSlice); err != nil {
			return nil, NewSerializationError("merge states", err)
		}

		merged, err := json.Marshal(currentMap)
		if err != nil {
			return nil, NewSerializationError("marshal merged state", err)
		}
		return merged, nil

	case isArray(currentData) && isArray(outputData):
		currentSlice := currentData.([]interface{})
		outputSlice := outputData.([]interface{})

		merged := make([]interface{}, 0, len(currentSlice)+len(outputSlice))
		merged = append(merged, currentSlice...)
		merged = append(merged, outputSlice...)

		mergedBytes, err := json.Marshal(merged)
		if err != nil {
			return nil, NewSerializationError("marshal merged array", err)
		}
		return mergedBytes, nil

	default:
		return output, nil
	}
}

// LookupPath walks a dot-separated path into a JSON document and returns
// the value at that path re-marshalled. An empty path returns the document.
func LookupPath(doc json.RawMessage, path string) (json.RawMessage, bool, error) {
	if path == "" {
		return doc, true, nil
	}

	var data interface{}
	if err := json.Unmarshal(doc, &data); err != nil {
		return nil, false, NewSerializationError("lookup path", err)
	}

	current := data
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		segment := path[start:i]
		start = i + 1

		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false, nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil, false, nil
		}
	}

	value, err := json.Marshal(current)
	if err != nil {
		return nil, false, NewSerializationError("lookup path", err)
	}
	return value, true, nil
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}
