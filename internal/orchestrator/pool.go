package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SchedulerPool runs one Scheduler per team. Schedulers start at Run for
// every team with unfinished work, and lazily for teams that show up later.
type SchedulerPool struct {
	store    TaskStore
	registry AgentRegistry
	config   SchedulerConfig
	logger   *slog.Logger
	metrics  *SchedulerMetrics

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	group      *errgroup.Group
	groupCtx   context.Context
}

// NewSchedulerPool creates an empty pool.
func NewSchedulerPool(store TaskStore, registry AgentRegistry, cfg SchedulerConfig, logger *slog.Logger, metrics *SchedulerMetrics) *SchedulerPool {
	if logger == nil {
		logger = discardLogger()
	}
	return &SchedulerPool{
		store:      store,
		registry:   registry,
		config:     cfg,
		logger:     logger,
		metrics:    metrics,
		schedulers: make(map[string]*Scheduler),
	}
}

// Run starts schedulers and blocks until ctx is cancelled or a scheduler
// returns an error.
func (p *SchedulerPool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	p.group, p.groupCtx = g, gctx
	pending := make([]*Scheduler, 0, len(p.schedulers))
	for _, s := range p.schedulers {
		pending = append(pending, s)
	}
	p.mu.Unlock()

	// Keeps the group alive while no team has a scheduler yet.
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, s := range pending {
		p.start(s)
	}

	// Subscribe before listing teams so no task created in between is missed.
	unsubscribe := p.store.Subscribe("", p.onEvent)
	defer unsubscribe()

	teams, err := p.store.ActiveTeams(ctx)
	if err != nil {
		return fmt.Errorf("listing active teams: %w", err)
	}
	for _, team := range teams {
		p.Scheduler(team)
	}

	p.logger.InfoContext(ctx, "scheduler pool started", slog.Int("teams", len(teams)))
	err = g.Wait()

	p.mu.Lock()
	p.group, p.groupCtx = nil, nil
	p.mu.Unlock()
	return err
}

// Scheduler returns the scheduler for teamID, creating (and starting, if
// the pool is running) it on first use.
func (p *SchedulerPool) Scheduler(teamID string) *Scheduler {
	p.mu.Lock()
	s, ok := p.schedulers[teamID]
	if !ok {
		s = NewScheduler(teamID, p.store, p.registry, p.config, p.logger, p.metrics)
		p.schedulers[teamID] = s
	}
	running := p.group != nil
	p.mu.Unlock()

	if !ok && running {
		p.start(s)
	}
	return s
}

func (p *SchedulerPool) start(s *Scheduler) {
	p.mu.Lock()
	g, ctx := p.group, p.groupCtx
	p.mu.Unlock()
	if g == nil {
		return
	}
	if p.metrics != nil {
		p.metrics.ActiveSchedulers.Inc()
	}
	g.Go(func() error {
		defer func() {
			if p.metrics != nil {
				p.metrics.ActiveSchedulers.Dec()
			}
		}()
		return s.Run(ctx)
	})
}

// Trigger wakes the scheduler of one team.
func (p *SchedulerPool) Trigger(teamID string) {
	p.Scheduler(teamID).Trigger()
}

// TriggerAll wakes every scheduler, e.g. when agent availability changes.
func (p *SchedulerPool) TriggerAll() {
	p.mu.Lock()
	schedulers := make([]*Scheduler, 0, len(p.schedulers))
	for _, s := range p.schedulers {
		schedulers = append(schedulers, s)
	}
	p.mu.Unlock()
	for _, s := range schedulers {
		s.Trigger()
	}
}

// Teams returns the teams that currently have a scheduler.
func (p *SchedulerPool) Teams() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	teams := make([]string, 0, len(p.schedulers))
	for t := range p.schedulers {
		teams = append(teams, t)
	}
	sort.Strings(teams)
	return teams
}

// onEvent triggers a cycle when new work may have become assignable:
// a task was created, a dependency completed, or a task went back to pending.
func (p *SchedulerPool) onEvent(ev TaskEvent) {
	switch {
	case ev.Type == EventCreated,
		ev.Task.Status == TaskCompleted,
		ev.Task.Status == TaskPending:
		p.Trigger(ev.TeamID)
	}
}
