package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QualifiedSeparator joins backend name and raw tool name. Backend names may
// not contain it, so the first occurrence always splits correctly.
const QualifiedSeparator = "."

// RawTool is a tool exactly as a backend reports it. The input schema is
// opaque and passes through untouched.
type RawTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolsListResult is the result payload of tools/list.
type ToolsListResult struct {
	Tools []RawTool `json:"tools"`
}

// Tool is the aggregated descriptor under its qualified name.
type Tool struct {
	QualifiedName string          `json:"qualifiedName"`
	Description   string          `json:"description,omitempty"`
	Backend       string          `json:"backend"`
	RawName       string          `json:"rawName"`
	InputSchema   json.RawMessage `json:"inputSchema,omitempty"`
}

// LightTool is the context-economical listing shape: name and description,
// nothing else.
type LightTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// QualifyName builds the client-visible identity of a backend tool.
func QualifyName(backendName, rawName string) string {
	return backendName + QualifiedSeparator + rawName
}

// SplitQualified splits on the first separator. The suffix may itself
// contain separators; it is passed to the backend verbatim.
func SplitQualified(qualified string) (backendName, rawName string, err error) {
	idx := strings.Index(qualified, QualifiedSeparator)
	if idx <= 0 || idx == len(qualified)-1 {
		return "", "", fmt.Errorf("tool name %q is not of the form <server>.<tool>", qualified)
	}
	return qualified[:idx], qualified[idx+1:], nil
}

// Catalog is the immutable aggregated tool map. A refresh builds a new
// catalog and swaps it in whole; readers never see a partial state.
type Catalog struct {
	Tools map[string]*Tool
	// Order holds qualified names sorted for stable listings.
	Order []string
}

// EmptyCatalog is what readers get before the first refresh.
func EmptyCatalog() *Catalog {
	return &Catalog{Tools: map[string]*Tool{}}
}

// Get returns the descriptor for a qualified name.
func (c *Catalog) Get(qualified string) (*Tool, bool) {
	t, ok := c.Tools[qualified]
	return t, ok
}

// Len returns the number of aggregated tools.
func (c *Catalog) Len() int { return len(c.Tools) }
