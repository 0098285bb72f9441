// Package collect gathers security facts from SQL Server targets. Collection
// is read-only: every query runs against catalog views with a per-query
// timeout, and a failed target is reported, never fatal.
package collect

import (
	"context"

	"github.com/sqlguard/sqlguard/internal/classify"
	"github.com/sqlguard/sqlguard/internal/config"
)

// Collector produces one instance snapshot per target.
type Collector interface {
	Collect(ctx context.Context, target config.Target) (*classify.Snapshot, error)
}

// Result pairs a target with its snapshot or collection error.
type Result struct {
	Target   config.Target
	Snapshot *classify.Snapshot
	Err      error
}
