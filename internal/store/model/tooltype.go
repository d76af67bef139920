package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// ToolType is the closed set of CLI agents that may report sessions.
type ToolType string

const (
	ToolClaudeCode  ToolType = "claude_code"
	ToolGeminiCLI   ToolType = "gemini_cli"
	ToolCodexCLI    ToolType = "codex_cli"
	ToolCursorAgent ToolType = "cursor_agent"
	ToolOpenCode    ToolType = "opencode"
	ToolAider       ToolType = "aider"
)

// toolPolicy captures per-tool ingestion exceptions. Tools whose
// daemons batch-submit after the fact are exempt from the ended_at
// recency check.
type toolPolicy struct {
	DeferredSubmission bool
}

var toolPolicies = map[ToolType]toolPolicy{
	ToolClaudeCode:  {},
	ToolGeminiCLI:   {DeferredSubmission: true},
	ToolCodexCLI:    {DeferredSubmission: true},
	ToolCursorAgent: {},
	ToolOpenCode:    {},
	ToolAider:       {},
}

// Valid reports whether t is a known tool type.
func (t ToolType) Valid() bool {
	_, ok := toolPolicies[t]
	return ok
}

// AllowsDeferredSubmission reports whether sessions for this tool may
// be submitted long after they ended.
func (t ToolType) AllowsDeferredSubmission() bool {
	return toolPolicies[t].DeferredSubmission
}

// ToolTypes returns all known tool types.
func ToolTypes() []ToolType {
	out := make([]ToolType, 0, len(toolPolicies))
	for t := range toolPolicies {
		out = append(out, t)
	}
	return out
}

// ToolSlice is the per-tool slice of an aggregate breakdown.
type ToolSlice struct {
	TotalTokens  int64 `json:"total_tokens"`
	SessionCount int64 `json:"session_count"`
}

// ToolBreakdown maps tool type to its aggregate slice. It is persisted
// as a JSON document; persistent merges happen inside the upsert SQL,
// MergeAdd exists for in-memory composition on read paths.
type ToolBreakdown map[ToolType]ToolSlice

// MergeAdd adds every slice of other into b.
func (b ToolBreakdown) MergeAdd(other ToolBreakdown) {
	for tool, slice := range other {
		cur := b[tool]
		cur.TotalTokens += slice.TotalTokens
		cur.SessionCount += slice.SessionCount
		b[tool] = cur
	}
}

// Value implements driver.Valuer, storing the breakdown as JSON.
func (b ToolBreakdown) Value() (driver.Value, error) {
	if b == nil {
		return "{}", nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (b *ToolBreakdown) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*b = ToolBreakdown{}
		return nil
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	default:
		return fmt.Errorf("unsupported tool breakdown type %T", src)
	}
}
