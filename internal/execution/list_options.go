package execution

import (
	"strings"
	"time"
)

const (
	// DefaultListLimit matches the history depth the API returns by default.
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// ListOptions controls how executions are selected when querying the ledger.
type ListOptions struct {
	Limit        int
	Offset       int
	UserID       string
	WorkflowID   string
	Statuses     []Status
	StartedAfter time.Time
}

// applyDefaults sanitizes the options and fills in default values.
func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	opts.UserID = strings.ToLower(strings.TrimSpace(opts.UserID))
	opts.WorkflowID = strings.TrimSpace(opts.WorkflowID)
	if opts.Statuses != nil {
		opts.Statuses = normalizeStatuses(opts.Statuses)
	}
}

// Normalize returns a copy with defaults applied. Ledger implementations
// outside this package call it before building queries.
func (opts ListOptions) Normalize() ListOptions {
	opts.applyDefaults()
	return opts
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit limits the number of executions returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching executions.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// WithUser restricts results to executions started by userID.
func WithUser(userID string) ListOption {
	return func(opts *ListOptions) {
		opts.UserID = userID
	}
}

// WithWorkflow restricts results to one workflow.
func WithWorkflow(workflowID string) ListOption {
	return func(opts *ListOptions) {
		opts.WorkflowID = workflowID
	}
}

// WithStatuses filters executions by the provided statuses.
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append(opts.Statuses[:0], statuses...)
	}
}

// WithStartedAfter filters executions started at or after ts.
func WithStartedAfter(ts time.Time) ListOption {
	return func(opts *ListOptions) {
		opts.StartedAfter = ts
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts ...ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func normalizeStatuses(input []Status) []Status {
	if len(input) == 0 {
		return nil
	}
	seen := make(map[Status]struct{}, len(input))
	result := make([]Status, 0, len(input))
	for _, status := range input {
		if !IsValidStatus(status) {
			continue
		}
		if _, ok := seen[status]; ok {
			continue
		}
		seen[status] = struct{}{}
		result = append(result, status)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// Matches reports whether exec passes the filters of opts.
func (opts ListOptions) Matches(exec *Execution) bool {
	if opts.UserID != "" && !strings.EqualFold(exec.UserID, opts.UserID) {
		return false
	}
	if opts.WorkflowID != "" && exec.WorkflowID != opts.WorkflowID {
		return false
	}
	if !opts.StartedAfter.IsZero() && exec.StartedAt.Before(opts.StartedAfter) {
		return false
	}
	if len(opts.Statuses) > 0 {
		for _, status := range opts.Statuses {
			if exec.Status == status {
				return true
			}
		}
		return false
	}
	return true
}
