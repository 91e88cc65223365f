// Package prompts holds the instructions WebPilot sends to the language
// model.
//
// Prompt text is Go code rather than config because it is program logic:
// the tool list is interpolated from the live worker registry and the
// directive grammar described here must match what internal/directive
// parses. Tests pin both.
package prompts
