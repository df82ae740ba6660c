package repl

import (
	"encoding/json"
)

// ContextData is the materialized form of a request context: either a JSON
// document or a raw text blob. Exactly one of the two fields is set.
type ContextData struct {
	JSON json.RawMessage
	Text *string
}

// ContextFromRaw classifies an incoming context payload. Strings become
// text; arrays of strings stay as-is; arrays of {role, content} message
// objects are reduced to their content strings; anything else is carried as
// JSON.
func ContextFromRaw(raw json.RawMessage) ContextData {
	if len(raw) == 0 {
		empty := ""
		return ContextData{Text: &empty}
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		text := string(raw)
		return ContextData{Text: &text}
	}
	switch v := value.(type) {
	case nil:
		empty := ""
		return ContextData{Text: &empty}
	case string:
		return ContextData{Text: &v}
	case []any:
		if contents, ok := messageContents(v); ok {
			normalized, _ := json.Marshal(contents)
			return ContextData{JSON: normalized}
		}
		return ContextData{JSON: raw}
	default:
		return ContextData{JSON: raw}
	}
}

// messageContents reduces a message-shaped array to its content strings.
// Returns false when any element is neither a string nor an object carrying
// a "content" key.
func messageContents(items []any) ([]string, bool) {
	contents := make([]string, 0, len(items))
	for _, item := range items {
		switch elem := item.(type) {
		case string:
			contents = append(contents, elem)
		case map[string]any:
			content, ok := elem["content"]
			if !ok {
				return nil, false
			}
			if text, ok := content.(string); ok {
				contents = append(contents, text)
			} else {
				encoded, err := json.Marshal(content)
				if err != nil {
					return nil, false
				}
				contents = append(contents, string(encoded))
			}
		default:
			return nil, false
		}
	}
	return contents, true
}
