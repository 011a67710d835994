package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// MetricsAggregator computes a read-only health view over a team's tasks.
// Everything is computed on read; TotalTasks is the sum of StatusCounts.
type MetricsAggregator struct {
	store       TaskStore
	recentLimit int
	now         func() time.Time
}

// NewMetricsAggregator creates an aggregator returning at most recentLimit
// recent tasks (default 10, capped at 100).
func NewMetricsAggregator(store TaskStore, recentLimit int) *MetricsAggregator {
	switch {
	case recentLimit <= 0:
		recentLimit = 10
	case recentLimit > 100:
		recentLimit = 100
	}
	return &MetricsAggregator{
		store:       store,
		recentLimit: recentLimit,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Summarize returns status counts, active agents, and the newest tasks.
func (a *MetricsAggregator) Summarize(ctx context.Context, teamID string) (*Summary, error) {
	counts, err := a.store.CountByStatus(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	s := &Summary{
		TeamID:       teamID,
		StatusCounts: make(map[TaskStatus]int, len(AllStatuses)),
		ActiveAgents: []string{},
		GeneratedAt:  a.now(),
	}
	for _, st := range AllStatuses {
		s.StatusCounts[st] = counts[st]
		s.TotalTasks += counts[st]
	}

	running := TaskRunning
	runningTasks, err := a.store.ListTasks(ctx, teamID, TaskFilter{Status: &running})
	if err != nil {
		return nil, fmt.Errorf("listing running tasks: %w", err)
	}
	seen := make(map[string]bool)
	for _, t := range runningTasks {
		if t.AssignedAgentName == "" || seen[t.AssignedAgentName] {
			continue
		}
		seen[t.AssignedAgentName] = true
		s.ActiveAgents = append(s.ActiveAgents, t.AssignedAgentName)
	}
	sort.Strings(s.ActiveAgents)
	s.ActiveAgentCount = len(s.ActiveAgents)

	recent, err := a.store.ListTasks(ctx, teamID, TaskFilter{Limit: a.recentLimit})
	if err != nil {
		return nil, fmt.Errorf("listing recent tasks: %w", err)
	}
	if recent == nil {
		recent = []Task{}
	}
	s.RecentTasks = recent
	return s, nil
}
