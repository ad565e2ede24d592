package tools

import "encoding/json"

// Result is the unified return type from function execution.
type Result struct {
	Payload        map[string]interface{} `json:"payload,omitempty"` // structured data handed to synthesis
	Summary        string                 `json:"summary,omitempty"` // short human-readable line
	AttachmentPath string                 `json:"-"`                 // local file to attach, if any
	IsError        bool                   `json:"is_error,omitempty"`
	Err            error                  `json:"-"` // internal error (not serialized)
}

func NewResult(payload map[string]interface{}) *Result {
	return &Result{Payload: payload}
}

func TextResult(summary string) *Result {
	return &Result{Summary: summary}
}

func ErrorResult(message string) *Result {
	return &Result{Summary: message, IsError: true}
}

func (r *Result) WithSummary(s string) *Result {
	r.Summary = s
	return r
}

func (r *Result) WithAttachment(path string) *Result {
	r.AttachmentPath = path
	return r
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// ForLLM renders the result as the tool message content for the
// synthesis call. Structured payloads win over the summary line.
func (r *Result) ForLLM() string {
	if len(r.Payload) > 0 {
		if b, err := json.Marshal(r.Payload); err == nil {
			return string(b)
		}
	}
	return r.Summary
}
