package spawner

import (
	"context"

	"github.com/travisgalloway/caw/internal/events"
)

// OutcomeKind tags the terminal result of a run.
type OutcomeKind string

const (
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeAwaitingMerge OutcomeKind = "awaiting_merge"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeStalled       OutcomeKind = "stalled"
	OutcomeDetached      OutcomeKind = "detached"
)

// Outcome is the tagged result a runner resolves to.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	PRURLs []string    `json:"pr_urls,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// RunOptions tune one run.
type RunOptions struct {
	// Detach returns immediately after Start instead of awaiting a terminal
	// event.
	Detach bool

	// Reporter receives every spawner event, when set.
	Reporter func(events.Event)

	// PostComplete runs before shutdown when the workflow lands in
	// awaiting_merge (e.g. to surface PR URLs to the operator).
	PostComplete func(ctx context.Context, prURLs []string)
}

// Run starts the spawner and resolves on the first terminal event. The
// terminal wait is one-shot: later events cannot change the outcome.
func Run(ctx context.Context, sp *Spawner, opts RunOptions) (Outcome, error) {
	terminal := make(chan Outcome, 1)
	resolve := func(o Outcome) {
		select {
		case terminal <- o:
		default:
		}
	}

	sp.Events().OnAll(func(ev events.Event) {
		if opts.Reporter != nil {
			opts.Reporter(ev)
		}
		switch ev.Kind {
		case events.WorkflowAllComplete:
			resolve(Outcome{Kind: OutcomeCompleted})
		case events.WorkflowAwaitingMerge:
			resolve(Outcome{Kind: OutcomeAwaitingMerge, PRURLs: ev.PRURLs})
		case events.WorkflowFailed:
			resolve(Outcome{Kind: OutcomeFailed, Reason: ev.Reason})
		case events.WorkflowStalled:
			resolve(Outcome{Kind: OutcomeStalled, Reason: ev.Reason})
		}
	})

	if err := sp.Start(ctx); err != nil {
		return Outcome{}, err
	}
	if opts.Detach {
		return Outcome{Kind: OutcomeDetached}, nil
	}

	select {
	case <-ctx.Done():
		sp.Shutdown(context.Background())
		return Outcome{}, ctx.Err()
	case outcome := <-terminal:
		if outcome.Kind == OutcomeAwaitingMerge && opts.PostComplete != nil {
			opts.PostComplete(ctx, outcome.PRURLs)
		}
		sp.Shutdown(ctx)
		return outcome, nil
	}
}
