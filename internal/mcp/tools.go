package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ToolDescriptor is a worker tool as returned by tools/list.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// StringParameters returns the sorted names of properties whose schema
// type is "string".
func (d ToolDescriptor) StringParameters() []string {
	props, _ := d.InputSchema["properties"].(map[string]any)
	var names []string
	for name, p := range props {
		if schema, ok := p.(map[string]any); ok && schema["type"] == "string" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Parameters returns the property names declared in the input schema,
// required ones first, each group sorted.
func (d ToolDescriptor) Parameters() []string {
	props, _ := d.InputSchema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}

	required := map[string]bool{}
	if list, ok := d.InputSchema["required"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	var req, opt []string
	for name := range props {
		if required[name] {
			req = append(req, name)
		} else {
			opt = append(opt, name)
		}
	}
	sort.Strings(req)
	sort.Strings(opt)
	return append(req, opt...)
}

// Registry is the immutable set of tools a worker advertised, in the
// order it listed them.
type Registry struct {
	tools  []ToolDescriptor
	byName map[string]int
}

// NewRegistry builds a registry. A duplicate name keeps the first entry.
func NewRegistry(tools []ToolDescriptor) *Registry {
	r := &Registry{byName: make(map[string]int, len(tools))}
	for _, td := range tools {
		if _, dup := r.byName[td.Name]; dup {
			continue
		}
		r.byName[td.Name] = len(r.tools)
		r.tools = append(r.tools, td)
	}
	return r
}

// Lookup returns the descriptor for name.
func (r *Registry) Lookup(name string) (ToolDescriptor, bool) {
	if r == nil {
		return ToolDescriptor{}, false
	}
	i, ok := r.byName[name]
	if !ok {
		return ToolDescriptor{}, false
	}
	return r.tools[i], true
}

// Tools returns a copy of the descriptors in advertised order.
func (r *Registry) Tools() []ToolDescriptor {
	if r == nil {
		return nil
	}
	return append([]ToolDescriptor(nil), r.tools...)
}

// Names returns the tool names in advertised order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r.tools))
	for i, td := range r.tools {
		names[i] = td.Name
	}
	return names
}

// Len returns the number of tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tools)
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the decoded result of a tools/call.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`

	// Raw is the result object exactly as the worker sent it.
	Raw json.RawMessage `json:"-"`
}

// Text joins all content blocks into a single string. Non-text blocks
// are represented as inline markers.
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	return extractText(r.Content)
}

// extractText joins all text content blocks into a single string.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text", "":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
