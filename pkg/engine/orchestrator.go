package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/hostpanel/hostpanel/pkg/engine"

// Orchestrator routes operations to backends, accumulates their scripts
// and executes them host by host.
type Orchestrator struct {
	registry    *Registry
	router      *Router
	shells      ShellProvider
	executor    Executor
	admitter    Admitter
	recorder    RunRecorder
	observer    Observer
	stateDirs   map[string]string
	maxParallel int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAdmitter sets the admission check run before routing.
func WithAdmitter(a Admitter) Option {
	return func(o *Orchestrator) { o.admitter = a }
}

// WithRecorder sets where run reports are stored.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver sets the measurement sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithExecutor replaces the default script executor.
func WithExecutor(e Executor) Option {
	return func(o *Orchestrator) { o.executor = e }
}

// WithMaxParallel bounds the number of groups executing concurrently.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) { o.maxParallel = n }
}

// WithStateDirs sets per-host state directories; unset hosts use
// DefaultStateDir.
func WithStateDirs(dirs map[string]string) Option {
	return func(o *Orchestrator) { o.stateDirs = dirs }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(registry *Registry, router *Router, shells ShellProvider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		router:      router,
		shells:      shells,
		executor:    NewScriptExecutor(),
		observer:    nopObserver{},
		maxParallel: 10,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxParallel <= 0 {
		o.maxParallel = 10
	}
	return o
}

// Apply plans and executes ops.
func (o *Orchestrator) Apply(ctx context.Context, ops []Operation, inv Inventory) (*Run, error) {
	plan, err := o.Plan(ctx, ops, inv)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, plan)
}

// Plan routes ops and accumulates every script without executing anything.
// Denied, misconfigured and unmatched operations are recorded in
// Plan.Rejected and do not block the others, as is an operation the
// resource state forbids, such as saving a resource an earlier operation
// of the batch deletes.
func (o *Orchestrator) Plan(ctx context.Context, ops []Operation, inv Inventory) (*Plan, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.plan")
	defer span.End()

	plan := &Plan{BatchID: uuid.New().String(), CreatedAt: time.Now()}
	span.SetAttributes(attribute.String("batch.id", plan.BatchID), attribute.Int("batch.operations", len(ops)))

	groups := make(map[string]*Group)
	inflight := make(map[string]ResourceState)
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := op.Resource

		if err := op.Action.Validate(); err != nil {
			plan.Rejected = append(plan.Rejected, rejected(i, op, OutcomeFailed, NewValidationError("invalid operation", err)))
			continue
		}

		from, ok := inflight[res.Key()]
		if !ok {
			from = op.From()
		}
		next, err := from.Transition(op.Action, false)
		if err != nil {
			plan.Rejected = append(plan.Rejected, rejected(i, op, OutcomeFailed,
				NewValidationError("operation conflicts with resource state "+string(from), err).WithResource(res.Key())))
			continue
		}
		inflight[res.Key()] = next

		if o.admitter != nil {
			if err := o.admitter.Admit(ctx, op); err != nil {
				o.observer.OperationDenied(res.Kind())
				log.Info().Err(err).Str("resource", res.Key()).Str("action", string(op.Action)).Msg("Operation denied")
				plan.Rejected = append(plan.Rejected, rejected(i, op, OutcomeDenied, err))
				continue
			}
		}

		routes := o.router.Match(res)
		if len(routes) == 0 {
			log.Info().Str("resource", res.Key()).Msg("No backend routes this resource")
			r := rejected(i, op, OutcomeSkipped, nil)
			r.Error = "no matching route"
			plan.Rejected = append(plan.Rejected, r)
			continue
		}

		for _, route := range routes {
			key := route.Backend.Name() + "@" + route.Host
			g, ok := groups[key]
			if !ok {
				g = &Group{Backend: route.Backend.Name(), Host: route.Host}
				groups[key] = g
				plan.Groups = append(plan.Groups, g)
			}
			g.Units = append(g.Units, &Unit{
				Backend:  g.Backend,
				Host:     g.Host,
				Phase:    PhaseFor(op.Action),
				Resource: res.Key(),
				Kind:     res.Kind(),
				Action:   op.Action,
				op:       op,
				order:    i,
			})
		}
	}

	kept := plan.Groups[:0]
	for _, g := range plan.Groups {
		if o.accumulate(ctx, plan, g, inv) {
			kept = append(kept, g)
		}
	}
	plan.Groups = kept

	span.SetAttributes(attribute.Int("batch.groups", len(plan.Groups)), attribute.Int("batch.rejected", len(plan.Rejected)))
	return plan, nil
}

// accumulate runs the backend lifecycle calls of g. It reports whether the
// group still has work.
func (o *Orchestrator) accumulate(ctx context.Context, plan *Plan, g *Group, inv Inventory) bool {
	backend, err := o.registry.Get(g.Backend)
	if err != nil {
		o.rejectGroup(plan, g, err)
		return false
	}
	batch := &Batch{ID: plan.BatchID, Host: g.Host, StateDir: o.stateDir(g.Host), Inventory: inv}

	prepare := NewScript()
	if err := backend.Prepare(ctx, batch, prepare); err != nil {
		o.rejectGroup(plan, g, asConfiguration(err, "prepare failed", g))
		return false
	}

	units := g.Units[:0]
	for _, u := range g.Units {
		op := u.op
		s := NewScript()
		if op.Action == ActionDelete {
			err = backend.Delete(ctx, batch, op.Resource, s)
		} else {
			err = backend.Save(ctx, batch, op.Resource, s)
		}
		if err != nil {
			r := rejected(u.order, op, OutcomeFailed, asConfiguration(err, string(op.Action)+" failed", g))
			r.Backend, r.Host = g.Backend, g.Host
			plan.Rejected = append(plan.Rejected, r)
			continue
		}
		u.Script = s
		units = append(units, u)
	}
	g.Units = units
	if len(units) == 0 {
		return false
	}

	commit := NewScript()
	if err := backend.Commit(ctx, batch, commit); err != nil {
		o.rejectGroup(plan, g, asConfiguration(err, "commit failed", g))
		return false
	}

	if !prepare.Empty() {
		g.Prepare = &Unit{Backend: g.Backend, Host: g.Host, Phase: PhasePrepare, Script: prepare}
	}
	if !commit.Empty() {
		g.Commit = &Unit{Backend: g.Backend, Host: g.Host, Phase: PhaseCommit, Script: commit}
	}
	return true
}

func (o *Orchestrator) rejectGroup(plan *Plan, g *Group, err error) {
	for _, u := range g.Units {
		r := rejected(u.order, u.op, OutcomeFailed, err)
		r.Backend, r.Host = g.Backend, g.Host
		plan.Rejected = append(plan.Rejected, r)
	}
	g.Units = nil
}

func (o *Orchestrator) stateDir(host string) string {
	if dir := o.stateDirs[host]; dir != "" {
		return dir
	}
	return DefaultStateDir
}

// Execute runs a plan. Every group's prepare unit runs before any resource
// or commit unit, so no participant can commit before all participants of
// the batch have announced themselves. Groups then run concurrently;
// within a group resources run sequentially, followed by the commit.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan) (*Run, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.execute")
	defer span.End()
	span.SetAttributes(attribute.String("batch.id", plan.BatchID))

	run := &Run{
		ID:            plan.BatchID,
		Status:        RunStatusRunning,
		StartedAt:     time.Now(),
		SharedActions: make(map[string]int),
	}
	rec := &runCollector{run: run}
	for _, r := range plan.Rejected {
		rec.result(r)
	}

	logger := log.With().Str("batch_id", plan.BatchID).Logger()
	logger.Info().Int("groups", len(plan.Groups)).Msg("Executing batch")

	ready := make([]bool, len(plan.Groups))
	shells := make([]Shell, len(plan.Groups))

	var prep errgroup.Group
	prep.SetLimit(o.maxParallel)
	for i, g := range plan.Groups {
		prep.Go(func() error {
			sh, err := o.shells.Shell(ctx, g.Host)
			if err != nil {
				o.failGroup(rec, g, err)
				return nil
			}
			shells[i] = sh
			if g.Prepare != nil {
				res := o.runUnit(ctx, sh, g.Prepare)
				rec.commit(res)
				if res.Failed() {
					o.failGroup(rec, g, fmt.Errorf("prepare failed: %w", res.Err))
					return nil
				}
			}
			ready[i] = true
			return nil
		})
	}
	_ = prep.Wait()

	var exec errgroup.Group
	exec.SetLimit(o.maxParallel)
	for i, g := range plan.Groups {
		if !ready[i] {
			continue
		}
		exec.Go(func() error {
			o.executeGroup(ctx, shells[i], g, rec)
			return nil
		})
	}
	_ = exec.Wait()

	run.CompletedAt = time.Now()
	run.Duration = run.CompletedAt.Sub(run.StartedAt)
	sort.SliceStable(run.Results, func(i, j int) bool { return run.Results[i].order < run.Results[j].order })
	run.summarize()

	o.observer.BatchCompleted(run.Status, run.Duration)
	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status != RunStatusSucceeded {
		span.SetStatus(codes.Error, string(run.Status))
	}

	logger.Info().
		Str("status", string(run.Status)).
		Int("succeeded", run.Summary.Succeeded).
		Int("failed", run.Summary.Failed).
		Int("denied", run.Summary.Denied).
		Dur("duration", run.Duration).
		Msg("Batch completed")

	if o.recorder != nil {
		if err := o.recorder.RecordRun(ctx, run); err != nil {
			return run, fmt.Errorf("failed to record run: %w", err)
		}
	}
	return run, nil
}

func (o *Orchestrator) executeGroup(ctx context.Context, sh Shell, g *Group, rec *runCollector) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "orchestrator.group")
	defer span.End()
	span.SetAttributes(attribute.String("backend", g.Backend), attribute.String("host", g.Host))

	for _, u := range g.Units {
		res := o.runUnit(ctx, sh, u)
		r := &ResourceResult{
			Resource:   u.Resource,
			Kind:       u.Kind,
			Action:     u.Action,
			Backend:    g.Backend,
			Host:       g.Host,
			Statements: res.Statements,
			order:      u.order,
		}
		err := res.Err
		state, terr := u.op.From().Transition(u.Action, err == nil)
		if terr != nil {
			state = u.op.From()
			if err == nil {
				err = NewValidationError("invalid state transition", terr).WithResource(u.Resource)
			}
		}
		r.State = state
		if err == nil {
			r.Status = OutcomeSucceeded
		} else {
			r.Status = OutcomeFailed
			r.Class = ClassOf(err)
			r.Error = err.Error()
			span.RecordError(err)
		}
		rec.result(r)
	}

	if g.Commit != nil {
		res := o.runUnit(ctx, sh, g.Commit)
		rec.commit(res)
		if res.Failed() {
			span.SetStatus(codes.Error, res.Err.Error())
		}
	}
}

func (o *Orchestrator) runUnit(ctx context.Context, sh Shell, u *Unit) *ScriptResult {
	res := o.executor.Execute(ctx, sh, u)
	o.observer.ScriptExecuted(u.Backend, u.Phase, res.Failed(), res.Duration)

	ev := log.Debug()
	if res.Failed() {
		ev = log.Warn().Err(res.Err).Str("stderr", strings.TrimSpace(res.Stderr))
	}
	ev.Str("unit", u.Name()).Dur("duration", res.Duration).Msg("Unit executed")

	for _, sig := range res.Signals {
		if service, ok := strings.CutPrefix(sig, "shared:"); ok {
			o.observer.SharedActionFired(service)
		}
	}

	if !res.Failed() && o.recorder != nil && u.Resource != "" {
		if err := o.recorder.SaveScript(ctx, u.Name(), u.Script.Text()); err != nil {
			log.Warn().Err(err).Str("unit", u.Name()).Msg("Failed to save script snapshot")
		}
	}
	return res
}

func (o *Orchestrator) failGroup(rec *runCollector, g *Group, err error) {
	if IsContention(err) {
		rec.fatal(fmt.Sprintf("%s@%s: %v", g.Backend, g.Host, err))
	}
	for _, u := range g.Units {
		state, terr := u.op.From().Transition(u.Action, false)
		if terr != nil {
			state = u.op.From()
		}
		rec.result(&ResourceResult{
			Resource: u.Resource,
			Kind:     u.Kind,
			Action:   u.Action,
			Backend:  g.Backend,
			Host:     g.Host,
			Status:   OutcomeFailed,
			State:    state,
			Class:    ClassOf(err),
			Error:    err.Error(),
			order:    u.order,
		})
	}
}

// runCollector gathers results from concurrently executing groups.
type runCollector struct {
	mu  sync.Mutex
	run *Run
}

func (c *runCollector) result(r *ResourceResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.Results = append(c.run.Results, r)
}

func (c *runCollector) commit(res *ScriptResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.Commits = append(c.run.Commits, res)
	for _, sig := range res.Signals {
		if service, ok := strings.CutPrefix(sig, "shared:"); ok {
			c.run.SharedActions[service]++
		}
		if entry, ok := strings.CutPrefix(sig, "stale:"); ok {
			service, backend, _ := strings.Cut(entry, ":")
			c.run.Errors = append(c.run.Errors, fmt.Sprintf(
				"%s@%s: leftover %s entry of %s from an unfinished batch", res.Unit.Backend, res.Unit.Host, service, backend))
		}
	}
	if IsContention(res.Err) {
		c.run.Errors = append(c.run.Errors, res.Err.Error())
	}
}

func (c *runCollector) fatal(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run.Errors = append(c.run.Errors, msg)
}

func rejected(order int, op Operation, status OutcomeStatus, err error) *ResourceResult {
	r := &ResourceResult{
		Resource: op.Resource.Key(),
		Kind:     op.Resource.Kind(),
		Action:   op.Action,
		Status:   status,
		State:    op.From(),
		order:    order,
	}
	if err != nil {
		r.Class = ClassOf(err)
		r.Error = err.Error()
	}
	return r
}

// asConfiguration classifies lifecycle errors that carry no class as
// configuration errors.
func asConfiguration(err error, msg string, g *Group) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Backend == "" {
			e.Backend = g.Backend
		}
		return err
	}
	return NewConfigurationError(msg, err).WithBackend(g.Backend).WithHost(g.Host)
}
