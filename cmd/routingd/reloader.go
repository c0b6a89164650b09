package main

import (
	"context"
	"sync"

	"github.com/ataiva-software/kontainers-sub000/internal/balance"
	"github.com/ataiva-software/kontainers-sub000/internal/compiler"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/probe"
	"github.com/ataiva-software/kontainers-sub000/internal/reload"
	"github.com/ataiva-software/kontainers-sub000/internal/rules"
)

// reloadOutcome pairs a coordinator result with the change that
// triggered the pass.
type reloadOutcome struct {
	trigger string
	result  *reload.Result
}

// reloader coalesces change notifications from the rule store and the
// endpoint table into serialized compile-and-submit passes. A pending
// kick already covers any further changes, so kicks never queue up.
type reloader struct {
	store       *rules.Store
	compiler    *compiler.Compiler
	coordinator *reload.Coordinator
	scheduler   *probe.Scheduler
	selector    *balance.Selector
	logger      observability.Logger

	// known holds the rule IDs of the last pass so selector state for
	// removed rules can be dropped. Touched only by the run loop.
	known map[string]struct{}

	kicks     chan string
	outcomes  chan reloadOutcome
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func newReloader(
	store *rules.Store,
	comp *compiler.Compiler,
	coordinator *reload.Coordinator,
	scheduler *probe.Scheduler,
	selector *balance.Selector,
	logger observability.Logger,
) *reloader {
	return &reloader{
		store:       store,
		compiler:    comp,
		coordinator: coordinator,
		scheduler:   scheduler,
		selector:    selector,
		logger:      logger.With(observability.String("component", "reloader")),
		known:       make(map[string]struct{}),
		kicks:       make(chan string, 1),
		outcomes:    make(chan reloadOutcome, outcomeBuffer),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// kick requests a reload pass. Kicks sent before start are held in the
// buffer and drained once the loop runs.
func (r *reloader) kick(trigger string) {
	select {
	case r.kicks <- trigger:
	default:
	}
}

// Outcomes exposes reload results for the daemon log loop. The channel
// closes when the reloader stops.
func (r *reloader) Outcomes() <-chan reloadOutcome {
	return r.outcomes
}

func (r *reloader) start() {
	go r.run()
}

// stop ends the run loop; a pass in flight finishes first.
func (r *reloader) stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.stoppedCh
}

func (r *reloader) run() {
	defer close(r.stoppedCh)
	defer close(r.outcomes)

	for {
		select {
		case <-r.stopCh:
			return
		case trigger := <-r.kicks:
			r.pass(trigger)
		}
	}
}

// pass pushes the current rule set through the probe scheduler, the
// compiler and the reload coordinator.
func (r *reloader) pass(trigger string) {
	ruleSet := r.store.List()
	r.scheduler.SetRules(ruleSet)
	r.forgetRemoved(ruleSet)

	version := r.coordinator.NextVersion()
	ctx := observability.ContextWithGeneration(context.Background(), version)

	artifact, err := r.compiler.Compile(ctx, ruleSet, compiler.Options{Version: version})
	if err != nil {
		r.logger.Error("compile failed, keeping active generation",
			observability.Uint64("version", version),
			observability.String("trigger", trigger),
			observability.Error(err),
		)
		return
	}

	result, err := r.coordinator.Submit(ctx, artifact)
	if result == nil {
		// Rejected before entering the pipeline (stale version).
		r.logger.Warn("submission rejected",
			observability.Uint64("version", version),
			observability.String("trigger", trigger),
			observability.Error(err),
		)
		return
	}

	// The coordinator's history ring retains what a full channel drops.
	select {
	case r.outcomes <- reloadOutcome{trigger: trigger, result: result}:
	default:
	}
}

// forgetRemoved drops round-robin cursors and in-flight counters for
// rules no longer in the store.
func (r *reloader) forgetRemoved(ruleSet []*rules.Rule) {
	current := make(map[string]struct{}, len(ruleSet))
	for _, ru := range ruleSet {
		current[ru.ID] = struct{}{}
	}
	for id := range r.known {
		if _, ok := current[id]; !ok {
			r.selector.Forget(id)
		}
	}
	r.known = current
}
