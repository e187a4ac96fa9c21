package tools

import (
	"encoding/json"
	"errors"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM   string `json:"for_llm"`            // content sent to the LLM
	IsError  bool   `json:"is_error"`           // marks error
	Denied   bool   `json:"denied,omitempty"`   // refused before running
	Category string `json:"category,omitempty"` // denial or failure category
	Err      error  `json:"-"`                  // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// failurePayload is the structured body the model sees for refusals and
// bounded failures. It never includes rule patterns or secret values.
type failurePayload struct {
	Status        string `json:"status"`
	Tool          string `json:"tool"`
	Category      string `json:"category,omitempty"`
	Reason        string `json:"reason"`
	PartialOutput string `json:"partial_output,omitempty"`
}

// DeniedResult turns a denying Decision into a structured refusal.
func DeniedResult(d Decision) *Result {
	r := failure(d.Tool, d.Err(), "")
	r.Denied = true
	return r
}

// FailureResult maps a gateway error to a structured result.
func FailureResult(tool string, err error) *Result {
	return failure(tool, err, "")
}

func failure(tool string, err error, partial string) *Result {
	p := failurePayload{Status: "error", Tool: tool, Reason: err.Error(), PartialOutput: partial}

	var (
		denied   *ToolDeniedError
		blocked  *FetchBlockedHostError
		tooLarge *FetchTooLargeError
		timeout  *ToolTimeoutError
		trunc    *ToolOutputTruncated
	)
	switch {
	case errors.As(err, &denied):
		p.Status, p.Category, p.Reason = "denied", denied.Category, denied.Reason
	case errors.As(err, &blocked):
		p.Status, p.Category, p.Reason = "blocked", CategoryBlockedHost, blocked.Reason
	case errors.As(err, &tooLarge):
		p.Status, p.Category = "too_large", CategorySizeLimit
	case errors.As(err, &timeout):
		p.Status = "timeout"
	case errors.As(err, &trunc):
		p.Status = "truncated"
	}

	body, _ := json.Marshal(p)
	return &Result{ForLLM: string(body), IsError: true, Category: p.Category, Err: err}
}
