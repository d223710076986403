package agent

import (
	"context"
	"fmt"

	"investi/internal/dispatch"
	"investi/internal/logging"
	"investi/internal/task"
)

// Router resolves the handling role for a delivery and queues it on the
// pool. The portfolio manager fronts the desk: it handles its own tasks and
// those owned by the trader and analyst. The technical analyst runs its own
// handler when one is registered.
type Router struct {
	handlers map[task.Role]Handler
	pool     *Pool
	logger   logging.Logger
}

// NewRouter creates a router over the pool. Register handlers before use.
func NewRouter(pool *Pool, logger logging.Logger) *Router {
	return &Router{
		handlers: make(map[task.Role]Handler),
		pool:     pool,
		logger:   logging.OrNop(logger),
	}
}

// Register installs the handler for a role.
func (r *Router) Register(role task.Role, h Handler) {
	r.handlers[role] = h
}

// resolve maps an owner role to its handler, falling back to the portfolio
// manager for the desk roles it fronts.
func (r *Router) resolve(role task.Role) (Handler, task.Role, error) {
	if h, ok := r.handlers[role]; ok {
		return h, role, nil
	}
	if role == task.RoleTrader || role == task.RoleAnalyst || role == task.RoleTechnicalAnalyst {
		if h, ok := r.handlers[task.RolePortfolioManager]; ok {
			return h, task.RolePortfolioManager, nil
		}
	}
	return nil, "", fmt.Errorf("no handler for role %s", role)
}

// Submit queues a fired-task delivery. Implements dispatch.Invoker.
func (r *Router) Submit(_ context.Context, env dispatch.Envelope) error {
	h, handledBy, err := r.resolve(env.OwnerAgent)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("task %s (%s)", env.TaskID, handledBy)
	return r.pool.Enqueue(name, func(ctx context.Context) error {
		return h.HandleTask(ctx, env)
	})
}

// SubmitMessage queues an inbound user message for the portfolio manager.
// Callers run the guardrail gate first.
func (r *Router) SubmitMessage(_ context.Context, msg Message) error {
	h, _, err := r.resolve(task.RolePortfolioManager)
	if err != nil {
		return err
	}
	return r.pool.Enqueue("user message", func(ctx context.Context) error {
		return h.HandleMessage(ctx, msg)
	})
}
