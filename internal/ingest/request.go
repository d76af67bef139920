package ingest

import (
	"encoding/json"
	"time"
)

// SubmitRequest is the session report body submitted by a CLI agent.
// SessionHash is accepted syntactically for backwards compatibility
// but carries no trust: the hash checked for uniqueness is always
// recomputed server-side.
type SubmitRequest struct {
	ToolType            string     `json:"toolType" binding:"required"`
	SessionHash         string     `json:"sessionHash"`
	AnonymousProjectID  string     `json:"anonymousProjectId"`
	EndedAt             time.Time  `json:"endedAt" binding:"required"`
	ModelName           string     `json:"modelName" binding:"max=255"`
	InputTokens         int64      `json:"inputTokens" binding:"min=0"`
	OutputTokens        int64      `json:"outputTokens" binding:"min=0"`
	CacheCreationTokens int64      `json:"cacheCreationTokens" binding:"min=0"`
	CacheReadTokens     int64      `json:"cacheReadTokens" binding:"min=0"`
	StartedAt           *time.Time `json:"startedAt"`
	DurationSeconds     int64      `json:"durationSeconds" binding:"min=0"`
	TurnCount           int64      `json:"turnCount" binding:"min=0"`

	ToolUsage   json.RawMessage `json:"toolUsage"`
	CodeMetrics json.RawMessage `json:"codeMetrics"`
}

// TotalTokens sums every token class of the report.
func (r *SubmitRequest) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens + r.CacheCreationTokens + r.CacheReadTokens
}
