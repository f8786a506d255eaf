package incidents

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tracedeck/core/store"
)

// Lifecycle exposes operator actions over incidents. Every transition
// lands with its audit event in one transaction at the store layer;
// this service adds validation and reopen notifications on top.
type Lifecycle struct {
	incidents store.IncidentsStore
	notifier  Notifier
	logger    zerolog.Logger
}

func NewLifecycle(incidents store.IncidentsStore, notifier Notifier, logger zerolog.Logger) *Lifecycle {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Lifecycle{incidents: incidents, notifier: notifier, logger: logger}
}

func (l *Lifecycle) Acknowledge(ctx context.Context, id int64, actor string) (*store.Incident, error) {
	return l.incidents.AcknowledgeIncident(ctx, id, actor)
}

func (l *Lifecycle) Resolve(ctx context.Context, id int64, actor string) (*store.Incident, error) {
	return l.incidents.ResolveIncident(ctx, id, actor, "")
}

func (l *Lifecycle) ResolveWith(ctx context.Context, id int64, actor, note string) (*store.Incident, error) {
	return l.incidents.ResolveIncident(ctx, id, actor, note)
}

func (l *Lifecycle) Reopen(ctx context.Context, id int64, actor string) (*store.Incident, error) {
	incident, err := l.incidents.ReopenIncidentManually(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	l.notifier.Notify(ctx, incident, "reopened")
	return incident, nil
}

func (l *Lifecycle) MuteFor(ctx context.Context, id int64, duration time.Duration, actor string) (*store.Incident, error) {
	until := time.Now().UTC().Add(duration)
	return l.incidents.MuteIncident(ctx, id, until, actor)
}

func (l *Lifecycle) Assign(ctx context.Context, id int64, owner, team, assignedBy, note string) (*store.Incident, error) {
	return l.incidents.AssignIncident(ctx, id, owner, team, assignedBy, note)
}
