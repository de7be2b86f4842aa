package regent

import (
	"context"
)

// Planner is the collaborator the autonomy loop consults for new work.
// Returning (nil, nil) means no work is available this tick. An error
// wrapping ErrCreditExhausted pauses the loop until an operator resumes it;
// any other error counts toward the loop's consecutive-error threshold.
type Planner interface {
	NextWork(ctx context.Context) (*WorkItem, error)
}

// CapabilityInvoker dispatches a workflow step to whatever executes it: an
// agent harness, a tool server, an RPC boundary. Errors should be classified
// with Transient or Fatal; unclassified errors are treated as transient and
// consume retry budget.
type CapabilityInvoker interface {
	Invoke(ctx context.Context, capability string, input map[string]any) (map[string]any, error)
}

// TicketNotifier delivers a pending ticket to a human channel (chat, pager,
// email). Delivery is fire-and-forget: failures are logged, never block the
// run, and the ticket stays decidable through the API regardless.
type TicketNotifier interface {
	Notify(ctx context.Context, notice TicketNotice) error
}

// JobHandler executes one firing of a scheduled job. Returning a transient
// error consumes an attempt and re-queues; a fatal error dead-letters the
// execution immediately.
type JobHandler func(ctx context.Context, jobID string) error
