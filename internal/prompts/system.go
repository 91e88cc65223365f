package prompts

import (
	"fmt"
	"strings"

	"github.com/nugget/webpilot/internal/directive"
	"github.com/nugget/webpilot/internal/mcp"
)

const systemTemplate = `You are an AI assistant that can control a web browser through automation tools.
You have access to the following browser automation tools:

%s

When a user asks you to perform web automation tasks, use these tools to:
1. Start a browser session
2. Navigate to websites
3. Interact with web elements (click, type, etc.)
4. Extract information from pages
5. Take screenshots when needed

## Calling tools
Write each tool call on its own line, exactly like this:

%s navigate_to(url="https://example.com")
%s type_text(locator="#search", text="golang", clear_first=true)

Rules:
- Quote text values with double or single quotes. Numbers and true/false may be bare.
- Keep the whole call, including the closing parenthesis, on one line.
- Calls run in the order you write them, after your reply is complete.
- Only use the tools listed above.

Always provide clear feedback about what actions you're taking and their results.`

// ToolsDescription renders one line per tool:
//
//	- name: description (Parameters: a, b)
func ToolsDescription(tools []mcp.ToolDescriptor) string {
	lines := make([]string, 0, len(tools))
	for _, td := range tools {
		line := "- " + td.Name + ": " + td.Description
		if params := td.Parameters(); len(params) > 0 {
			line += " (Parameters: " + strings.Join(params, ", ") + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// SystemPrompt returns the system prompt advertising tools.
func SystemPrompt(tools []mcp.ToolDescriptor) string {
	m := directive.Marker
	return fmt.Sprintf(systemTemplate, ToolsDescription(tools), m, m)
}
