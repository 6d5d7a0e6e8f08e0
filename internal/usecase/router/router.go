// Package router delivers tasks to the one Device Agent bound to each task's
// target. Every agent owns a FIFO lane, so tasks for one device run in
// submission order while different devices proceed in parallel.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"netconverge/internal/domain"
	"netconverge/internal/infra/metrics"
	"netconverge/internal/infra/tracer"
)

// Config bounds the router.
type Config struct {
	Concurrency int           // devices dispatched in parallel by DispatchAll
	TaskTimeout time.Duration // per-task deadline at the agent
	QueueDepth  int           // per-lane buffer
}

type job struct {
	ctx   context.Context
	task  domain.Task
	reply chan domain.TaskOutcome
}

type lane struct {
	agent domain.DeviceAgent
	jobs  chan job
}

// Router maps device identities to agents.
type Router struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger

	mu      sync.RWMutex
	lanes   map[string]*lane
	aliases map[string]map[string]struct{} // identity, name or address -> identities
	closed  bool
	wg      sync.WaitGroup
}

// New creates an empty router.
func New(cfg Config, bus domain.EventBus, logger *slog.Logger) *Router {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		cfg:     cfg,
		bus:     bus,
		logger:  logger.With("component", "router"),
		lanes:   make(map[string]*lane),
		aliases: make(map[string]map[string]struct{}),
	}
}

// Register binds an agent to its identity and to any extra lookup keys
// (management name, management address) a task target may use. Returns
// ErrDuplicate when the identity is already bound.
func (r *Router) Register(agent domain.DeviceAgent, aliases ...string) error {
	id := agent.Identity()
	if id == "" {
		return domain.NewDomainError("Router.Register", domain.ErrInvalidInput, "agent has no identity")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.NewDomainError("Router.Register", domain.ErrInvalidInput, "router closed")
	}
	if _, exists := r.lanes[id]; exists {
		return domain.NewSubSystemError("router", "Router.Register", domain.ErrDuplicate,
			fmt.Sprintf("identity %q already bound", id))
	}

	l := &lane{agent: agent, jobs: make(chan job, r.cfg.QueueDepth)}
	r.lanes[id] = l
	for _, key := range append([]string{id}, aliases...) {
		if key == "" {
			continue
		}
		set, ok := r.aliases[key]
		if !ok {
			set = make(map[string]struct{})
			r.aliases[key] = set
		}
		set[id] = struct{}{}
	}

	r.wg.Add(1)
	go r.run(l)

	r.logger.Info("agent registered", "device_id", id, "aliases", aliases)
	if r.bus != nil {
		r.bus.Publish(context.Background(), domain.NewEvent(domain.EventAgentRegistered, "", map[string]any{
			"device_id": id,
			"aliases":   aliases,
		}))
	}
	return nil
}

// resolve maps a target (identity, name or address) to exactly one lane. It
// never picks one of several candidates. Callers hold r.mu.
func (r *Router) resolve(target string) (*lane, error) {
	set := r.aliases[target]
	switch len(set) {
	case 0:
		return nil, domain.NewDomainError("Router.Dispatch", domain.ErrUnknownDevice,
			fmt.Sprintf("no agent bound to %q", target))
	case 1:
		for id := range set {
			return r.lanes[id], nil
		}
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return nil, domain.NewDomainError("Router.Dispatch", domain.ErrAmbiguousTarget,
		fmt.Sprintf("%q matches %v", target, ids))
}

// Describe returns the description of every bound agent, sorted by identity.
func (r *Router) Describe(ctx context.Context) []domain.Description {
	r.mu.RLock()
	agents := make([]domain.DeviceAgent, 0, len(r.lanes))
	for _, l := range r.lanes {
		agents = append(agents, l.agent)
	}
	r.mu.RUnlock()

	out := make([]domain.Description, 0, len(agents))
	for _, a := range agents {
		d, err := a.Describe(ctx)
		if err != nil {
			d = domain.Description{DeviceID: a.Identity()}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Dispatch sends one task to the lane of task.Target and waits for it. The
// target may be an identity or any registered alias; the outcome carries the
// resolved identity.
func (r *Router) Dispatch(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	o := r.dispatch(ctx, task)
	return o.Result, o.Err
}

func (r *Router) dispatch(ctx context.Context, task domain.Task) domain.TaskOutcome {
	if err := task.Validate(); err != nil {
		return domain.NewTaskOutcome(task, domain.TaskResult{}, err)
	}

	reply := make(chan domain.TaskOutcome, 1)
	if err := r.enqueue(ctx, job{ctx: ctx, task: task, reply: reply}); err != nil {
		return domain.NewTaskOutcome(task, domain.TaskResult{}, err)
	}

	select {
	case o := <-reply:
		return o
	case <-ctx.Done():
		return domain.NewTaskOutcome(task, domain.TaskResult{}, ctx.Err())
	}
}

func (r *Router) enqueue(ctx context.Context, j job) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.NewDomainError("Router.Dispatch", domain.ErrUnknownDevice, "router closed")
	}
	l, err := r.resolve(j.task.Target)
	if err != nil {
		return err
	}
	j.task.Target = l.agent.Identity()
	select {
	case l.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DispatchAll runs tasks with per-device ordering: tasks for one target run
// one after another in slice order, distinct targets run in parallel up to
// Config.Concurrency. Outcomes are returned in input order.
func (r *Router) DispatchAll(ctx context.Context, tasks []domain.Task) []domain.TaskOutcome {
	outcomes := make([]domain.TaskOutcome, len(tasks))

	var order []string
	groups := make(map[string][]int)
	for i, t := range tasks {
		key := r.laneKey(t.Target)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, target := range order {
		idxs := groups[target]
		g.Go(func() error {
			for _, i := range idxs {
				outcomes[i] = r.dispatch(ctx, tasks[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// laneKey groups targets that reach the same agent. Unresolvable targets
// keep their own group and fail at dispatch.
func (r *Router) laneKey(target string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if l, err := r.resolve(target); err == nil {
		return l.agent.Identity()
	}
	return target
}

func (r *Router) run(l *lane) {
	defer r.wg.Done()
	for j := range l.jobs {
		j.reply <- r.execute(l.agent, j)
	}
}

func (r *Router) execute(agent domain.DeviceAgent, j job) domain.TaskOutcome {
	task := j.task
	if err := j.ctx.Err(); err != nil {
		return domain.NewTaskOutcome(task, domain.TaskResult{}, err)
	}
	if agent.Identity() != task.Target {
		return domain.NewTaskOutcome(task, domain.TaskResult{}, domain.NewDomainError("Router.execute",
			domain.ErrRejected, fmt.Sprintf("agent %q refused task for %q", agent.Identity(), task.Target)))
	}

	r.publish(j.ctx, domain.EventTaskDispatched, task, nil)

	ctx, span := tracer.StartTask(j.ctx, task)
	if r.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res domain.TaskResult
		err error
	)
	switch task.Kind {
	case domain.TaskDiagnose:
		res.Output, err = agent.Diagnose(ctx, task.Command)
	case domain.TaskConfigure:
		var ar domain.ApplyResult
		ar, err = agent.ApplyConfiguration(ctx, *task.Intent)
		if err == nil {
			res.Apply = &ar
		}
	}
	res.Duration = time.Since(start)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && j.ctx.Err() == nil {
		err = domain.AsTimeout("Router.execute", err, domain.ErrUnreachable)
	}
	tracer.End(span, err)
	metrics.ObserveTask(string(task.Kind), res.Duration, err)

	logger := r.logger.With("request_id", task.RequestID, "task_id", task.ID, "device_id", task.Target, "kind", task.Kind)
	if err != nil {
		logger.Warn("task failed", "error", err, "duration", res.Duration)
	} else {
		logger.Debug("task completed", "duration", res.Duration)
	}

	o := domain.NewTaskOutcome(task, res, err)
	r.publish(j.ctx, domain.EventTaskCompleted, task, &o)
	return o
}

func (r *Router) publish(ctx context.Context, t domain.EventType, task domain.Task, o *domain.TaskOutcome) {
	if r.bus == nil {
		return
	}
	payload := map[string]any{
		"task_id": task.ID,
		"kind":    task.Kind,
		"target":  task.Target,
		"payload": task.Payload(),
	}
	if o != nil {
		payload["duration_ms"] = o.Result.Duration.Milliseconds()
		if o.Error != "" {
			payload["error"] = o.Error
		}
		if o.Result.Apply != nil {
			payload["changed"] = o.Result.Apply.Changed
		}
	}
	r.bus.Publish(ctx, domain.NewEvent(t, task.RequestID, payload))
}

// Close stops every lane after queued tasks finish. Close is idempotent.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, l := range r.lanes {
		close(l.jobs)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
