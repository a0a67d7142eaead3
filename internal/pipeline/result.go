package pipeline

import "github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"

// RowError records one claimed row that ended in ERROR.
type RowError struct {
	OutboxID outbox.RowID `json:"outbox_id"`
	Error    string       `json:"error"`
}

// Result is the bookkeeping of one invocation. When Run returns without
// error, Processed+len(Errors) == Claimed.
type Result struct {
	Claimed   int        `json:"claimed"`
	Processed int        `json:"processed"`
	Errors    []RowError `json:"errors"`
}

func newResult(claimed int) Result {
	return Result{Claimed: claimed, Errors: []RowError{}}
}

func (r *Result) processed() {
	r.Processed++
}

func (r *Result) failed(id outbox.RowID, msg string) {
	r.Errors = append(r.Errors, RowError{OutboxID: id, Error: msg})
}
