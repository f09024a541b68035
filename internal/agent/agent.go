// Package agent defines the executor a goal is handed to. The engine knows nothing
// about what a goal means; it only runs an Agent and records what it reports.
package agent

import (
	"context"

	"github.com/novasolve/nova-cmo-sub003/internal/model"
)

// ProgressFunc reports the current stage of a running goal. step is optional.
// It never blocks.
type ProgressFunc func(stage string, step *int)

type Agent interface {
	Run(ctx context.Context, goal, createdBy string, progress ProgressFunc) (*model.Result, error)
}

// Func adapts a plain function to Agent.
type Func func(ctx context.Context, goal, createdBy string, progress ProgressFunc) (*model.Result, error)

func (f Func) Run(ctx context.Context, goal, createdBy string, progress ProgressFunc) (*model.Result, error) {
	return f(ctx, goal, createdBy, progress)
}
