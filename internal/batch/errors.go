package batch

import "fmt"

// Error codes surfaced to callers. Per-record failures never abort sibling
// records; only a failure of the batch execution call itself degrades to
// CodeBatchFailed for every record in the batch.
const (
	CodeOperationFailed = "OPERATION_FAILED" // whole operation group failed before per-record execution
	CodeQueryFailed     = "QUERY_FAILED"     // single record exhausted its retry budget
	CodeExecutionError  = "EXECUTION_ERROR"  // combined-select path failure
	CodeBatchFailed     = "BATCH_FAILED"     // batch execution failed before any per-record result
	CodeQueryCancelled  = "QUERY_CANCELLED"  // caller cancelled the record
	CodeQueueCleared    = "QUEUE_CLEARED"    // queue hard reset rejected the record
)

// Error is the structured failure handed to callers. Transport errors from
// the store client are always wrapped into one of these; a pending result
// never rejects with a bare store error.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Status  int            `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError builds a database-typed error with status 500.
func newError(code, message string, details map[string]any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Type:    "database",
		Status:  500,
		Details: details,
	}
}

// cancelErr is the rejection used for explicit caller cancellation.
func cancelErr(id string) *Error {
	e := newError(CodeQueryCancelled, "query cancelled", map[string]any{"query_id": id})
	e.Status = 499
	return e
}
