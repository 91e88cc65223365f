package mcp

import (
	"strings"
	"testing"
)

func TestRegistry_OrderAndDuplicates(t *testing.T) {
	r := NewRegistry([]ToolDescriptor{
		{Name: "start_browser", Description: "first"},
		{Name: "navigate_to"},
		{Name: "start_browser", Description: "second"},
	})

	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	if got := strings.Join(r.Names(), ","); got != "start_browser,navigate_to" {
		t.Errorf("Names() = %q", got)
	}
	td, ok := r.Lookup("start_browser")
	if !ok || td.Description != "first" {
		t.Errorf("Lookup kept %+v, want first entry", td)
	}
	if _, ok := r.Lookup("close_browser"); ok {
		t.Error("Lookup found a tool that was never listed")
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	if _, ok := r.Lookup("x"); ok {
		t.Error("nil registry Lookup returned ok")
	}
	if r.Len() != 0 || r.Tools() != nil || r.Names() != nil {
		t.Error("nil registry not empty")
	}
}

func TestToolDescriptor_Parameters(t *testing.T) {
	td := ToolDescriptor{
		Name: "type_text",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"locator":      map[string]any{"type": "string"},
				"text":         map[string]any{"type": "string"},
				"clear_first":  map[string]any{"type": "boolean"},
				"locator_type": map[string]any{"type": "string"},
			},
			"required": []any{"text", "locator"},
		},
	}
	got := strings.Join(td.Parameters(), ",")
	if got != "locator,text,clear_first,locator_type" {
		t.Errorf("Parameters() = %q", got)
	}

	if p := (ToolDescriptor{Name: "close_browser"}).Parameters(); p != nil {
		t.Errorf("Parameters() without schema = %v", p)
	}
}

func TestCallResult_Text(t *testing.T) {
	r := &CallResult{Content: []ContentBlock{
		{Type: "text", Text: "Screenshot saved as shot.png"},
		{Type: "image", Data: "iVBOR...", MimeType: "image/png"},
		{Text: "untyped"},
		{Type: "audio"},
	}}
	want := "Screenshot saved as shot.png\n[image]\nuntyped\n[audio]"
	if got := r.Text(); got != want {
		t.Errorf("Text() = %q, want %q", got, want)
	}

	var nilResult *CallResult
	if nilResult.Text() != "" {
		t.Error("nil CallResult Text() not empty")
	}
}

func TestToolDescriptor_StringParameters(t *testing.T) {
	td := ToolDescriptor{Name: "type_text", InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text":        map[string]any{"type": "string"},
			"locator":     map[string]any{"type": "string"},
			"clear_first": map[string]any{"type": "boolean"},
			"timeout":     map[string]any{"type": "number"},
		},
	}}
	if got := strings.Join(td.StringParameters(), ","); got != "locator,text" {
		t.Errorf("StringParameters() = %q", got)
	}
	if got := (ToolDescriptor{Name: "get_page_info"}).StringParameters(); len(got) != 0 {
		t.Errorf("no schema: %v", got)
	}
}
