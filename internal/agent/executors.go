package agent

import (
	"context"
	"fmt"

	"github.com/young1lin/searchmux/internal/models"
	"github.com/young1lin/searchmux/internal/orchestrator"
)

// RegisterOrchestratorExecutors wires the built-in task types to the
// orchestrator: "search" runs a dispatch, "discover" a discovery sweep.
func RegisterOrchestratorExecutors(p *Pool, orch *orchestrator.Orchestrator) {
	p.RegisterExecutor("search", func(ctx context.Context, task Task) error {
		query, _ := task.Params["query"].(string)
		if query == "" {
			return fmt.Errorf("search task %s has no query", task.ID)
		}

		req := models.DispatchRequest{
			Query:  query,
			UserID: task.UserID,
		}
		if target, ok := task.Params["target"].(string); ok {
			req.Target = target
		}
		if raw, ok := task.Params["target_providers"].([]interface{}); ok {
			for _, v := range raw {
				if name, ok := v.(string); ok {
					req.TargetProviders = append(req.TargetProviders, name)
				}
			}
		}

		_, err := orch.Dispatch(ctx, req)
		return err
	})

	p.RegisterExecutor("discover", func(ctx context.Context, task Task) error {
		_, err := orch.Discover(ctx, task.UserID)
		return err
	})
}
