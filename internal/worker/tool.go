package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/nugget/webpilot/internal/mcp"
)

// Handler executes one tools/call. A returned error becomes an isError
// result; it never fails the RPC itself.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool is one advertised tool with its handler.
type Tool struct {
	Descriptor mcp.ToolDescriptor
	Handler    Handler
}

// InvalidArgumentsError reports arguments that do not decode into the
// tool's argument struct. The server answers it with -32602.
type InvalidArgumentsError struct {
	Tool string
	Err  error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error { return e.Err }

// NewTool builds a Tool whose input schema is reflected from A. Fields
// without omitempty are required; jsonschema tags supply descriptions,
// enums and defaults.
func NewTool[A any](name, description string, fn func(ctx context.Context, args A) (string, error)) Tool {
	return Tool{
		Descriptor: mcp.ToolDescriptor{
			Name:        name,
			Description: description,
			InputSchema: InputSchema[A](),
		},
		Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var a A
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &a); err != nil {
					return "", &InvalidArgumentsError{Tool: name, Err: err}
				}
			}
			return fn(ctx, a)
		},
	}
}

// InputSchema reflects A into a JSON Schema object as a generic map.
// Structs without fields, and types that are not structs, advertise an
// object with no properties.
func InputSchema[A any]() map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}

	t := reflect.TypeFor[A]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.NumField() == 0 {
		return out
	}

	r := &jsonschema.Reflector{
		Anonymous:                 true,
		DoNotReference:            true,
		ExpandedStruct:            t.Name() != "",
		AllowAdditionalProperties: true,
	}
	s := r.Reflect(new(A))
	s.Version = ""

	data, err := json.Marshal(s)
	if err != nil {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}
