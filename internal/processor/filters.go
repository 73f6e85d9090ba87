package processor

import (
	"context"
	"time"

	"eventrouter/internal/checks"
	"eventrouter/internal/condition"
	"eventrouter/internal/domain"
)

// Filter names reported in outcomes and metrics.
const (
	FilterOk                     = "ok"
	FilterScheduledMaintenance   = "scheduled_maintenance"
	FilterUnscheduledMaintenance = "unscheduled_maintenance"
	FilterDelays                 = "delays"
	FilterAcknowledgement        = "acknowledgement"
)

type filterInput struct {
	event    domain.Event
	checkID  string
	record   checks.Record
	previous condition.Condition
	now      time.Time
}

type filter struct {
	name  string
	block func(ctx context.Context, in filterInput) (bool, error)
}

// defaultFilters returns the chain in evaluation order; the first blocking filter wins.
func (p *Processor) defaultFilters() []filter {
	return []filter{
		{name: FilterOk, block: p.blockOk},
		{name: FilterScheduledMaintenance, block: p.blockScheduled},
		{name: FilterUnscheduledMaintenance, block: p.blockUnscheduled},
		{name: FilterDelays, block: p.blockDelays},
		{name: FilterAcknowledgement, block: p.blockAcknowledgement},
	}
}

// blockOk ends unscheduled maintenance on recovery and lets through only the first notified recovery.
func (p *Processor) blockOk(ctx context.Context, in filterInput) (bool, error) {
	if in.event.Type != domain.EventTypeService || !in.event.Condition().Healthy() {
		return false, nil
	}
	open, err := p.maintenance.InUnscheduled(ctx, in.checkID)
	if err != nil {
		return false, err
	}
	if open {
		if err := p.maintenance.ClearUnscheduled(ctx, in.checkID, in.now); err != nil {
			return false, err
		}
	}
	if in.previous.Healthy() {
		return true, nil
	}
	last := in.record.Check.LastNotification
	if last == nil {
		return true, nil
	}
	return last.Type == domain.NotificationRecovery, nil
}

func (p *Processor) blockScheduled(ctx context.Context, in filterInput) (bool, error) {
	return p.maintenance.InScheduled(ctx, in.checkID)
}

func (p *Processor) blockUnscheduled(ctx context.Context, in filterInput) (bool, error) {
	if !failingService(in.event) {
		return false, nil
	}
	return p.maintenance.InUnscheduled(ctx, in.checkID)
}

// blockDelays holds back young failures and repeats of the last problem alert.
func (p *Processor) blockDelays(_ context.Context, in filterInput) (bool, error) {
	if !failingService(in.event) {
		return false, nil
	}
	c := in.record.Check
	initial := p.opts.InitialFailureDelay
	if c.InitialFailureDelay != nil {
		initial = time.Duration(*c.InitialFailureDelay) * time.Second
	}
	repeat := p.opts.RepeatFailureDelay
	if c.RepeatFailureDelay != nil {
		repeat = time.Duration(*c.RepeatFailureDelay) * time.Second
	}

	if in.now.Sub(c.LastChange) < initial {
		return true, nil
	}
	lastProblem := c.LastProblemNotification
	if lastProblem == nil || c.LastNotification == nil || c.LastNotification.Type != domain.NotificationProblem {
		return false, nil
	}
	if in.now.Sub(lastProblem.Time) >= repeat {
		return false, nil
	}
	escalated := in.event.Condition().MoreSevere(condition.Condition(lastProblem.State))
	return !escalated, nil
}

// blockAcknowledgement drops acks for healthy checks and opens unscheduled maintenance for failing ones.
func (p *Processor) blockAcknowledgement(ctx context.Context, in filterInput) (bool, error) {
	if !in.event.IsAcknowledgement() {
		return false, nil
	}
	if !in.record.Check.Failing() {
		return true, nil
	}
	duration := p.opts.AckDuration
	if in.event.Duration > 0 {
		duration = time.Duration(in.event.Duration) * time.Second
	}
	if _, err := p.maintenance.SetUnscheduled(ctx, in.checkID, in.now, duration, in.event.Summary); err != nil {
		return false, err
	}
	return false, nil
}

func failingService(e domain.Event) bool {
	return e.Type == domain.EventTypeService && e.Condition().Unhealthy()
}
