package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxToolPages caps tools/list pagination so a server that keeps
// returning a cursor cannot loop us forever.
const maxToolPages = 32

// ToolDefinition is an MCP tool as returned by tools/list. The input
// schema is kept verbatim.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolDescriptor is a tool together with the server that provides it.
type ToolDescriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Qualified   string          `json:"qualified"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// describe converts the definitions discovered on server into
// descriptors, preserving their order.
func describe(server string, defs []ToolDefinition) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(defs))
	for _, d := range defs {
		out = append(out, ToolDescriptor{
			Server:      server,
			Name:        d.Name,
			Qualified:   ToolName(server, d.Name),
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return out
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Data     string          `json:"data,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ToolResult is the payload of a tools/call response.
type ToolResult struct {
	Content           []ContentBlock  `json:"content"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`

	// Raw is the undecoded result object.
	Raw json.RawMessage `json:"-"`
}

// Text joins the result's content blocks into one string.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	return extractText(r.Content)
}

type listToolsResult struct {
	Tools      []ToolDefinition `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
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
