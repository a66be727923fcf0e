// Package scheduler polls the store for due tasks and dispatches
// their prompts to swarm agents.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/hdresearch/vmswarm/internal/natsbus"
	"github.com/hdresearch/vmswarm/internal/schedule"
	"github.com/hdresearch/vmswarm/internal/store"
)

// Dispatcher delivers a prompt to a named agent. Satisfied by
// swarm.Manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, label, prompt string) error
}

type Scheduler struct {
	store        *store.Store
	dispatcher   Dispatcher
	events       *natsbus.Client
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, d Dispatcher, events *natsbus.Client, pollInterval time.Duration) *Scheduler {
	return &Scheduler{
		store:        s,
		dispatcher:   d,
		events:       events,
		pollInterval: pollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdatePollInterval changes the polling cadence and signals the run
// loop to reset its ticker.
func (s *Scheduler) UpdatePollInterval(interval time.Duration) {
	s.pollInterval = interval
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.pollInterval)
			slog.Info("scheduler poll interval updated", "poll_interval", s.pollInterval)
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs one scheduling pass: every task whose next_run_at has
// arrived is dispatched once, then rescheduled or completed.
func (s *Scheduler) Poll(ctx context.Context) {
	tasks, err := s.store.GetDueTasks(time.Now())
	if err != nil {
		slog.Error("due task query failed", "error", err)
		return
	}
	for _, task := range tasks {
		s.execute(ctx, task)
	}
}

func (s *Scheduler) execute(ctx context.Context, task store.ScheduledTask) {
	slog.Info("dispatching scheduled task", "id", task.ID, "name", task.Name, "agent", task.AgentLabel)

	err := s.dispatcher.Dispatch(ctx, task.AgentLabel, task.Prompt)

	lastStatus := "success"
	var lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled dispatch failed", "id", task.ID, "agent", task.AgentLabel, "error", err)
	}

	nextRun := schedule.NextRun(task.Schedule)

	if err := s.store.MarkTaskRun(task.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("task run update failed", "id", task.ID, "error", err)
	}

	s.publishTaskEvent(task, lastStatus)

	// A task with no further run is finished; mark it so the due
	// query stops returning it.
	if nextRun == nil {
		if err := s.store.UpdateTaskStatus(task.ID, "completed"); err != nil {
			slog.Error("task completion update failed", "id", task.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishTaskEvent(task store.ScheduledTask, status string) {
	if s.events == nil {
		return
	}
	_ = s.events.PublishEvent(natsbus.Event{
		Type:  "task_dispatched",
		Agent: task.AgentLabel,
		Data: map[string]any{
			"id":     task.ID,
			"name":   task.Name,
			"status": status,
		},
	}, natsbus.TopicEventsSwarm)
}
