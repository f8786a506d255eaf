package tracing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"tracedeck/core/store"
)

// ErrorOccurrence is one recorded hit of an external error, used for
// time-proximity matching.
type ErrorOccurrence struct {
	ErrorID    int64
	OccurredAt time.Time
	Source     string
}

// ErrorStore is the read interface over the external error-tracking
// store. Its writes may land asynchronously, so lookups here are
// retried with backoff.
type ErrorStore interface {
	FindByFingerprint(ctx context.Context, fingerprint string) (int64, bool, error)
	FindByClassAndMessage(ctx context.Context, class, message string, from, to time.Time) (int64, bool, error)
	FindByMessage(ctx context.Context, message string, from, to time.Time) (int64, bool, error)
	OccurrencesBetween(ctx context.Context, from, to time.Time) ([]ErrorOccurrence, error)
}

const (
	reconcileAttempts = 3
	maxCauseDepth     = 8
	messageWindow     = 5 * time.Minute
	occurrenceWindow  = 3 * time.Second
)

var digitRun = regexp.MustCompile(`\d+`)

// sanitizeMessage collapses variable parts so messages with embedded
// ids hash and compare stably.
func sanitizeMessage(message string) string {
	out := digitRun.ReplaceAllString(message, "N")
	out = strings.TrimSpace(out)
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}

// Fingerprint derives the stable error signature hash from the root
// cause's type, sanitized message, severity and source.
func Fingerprint(err error, severity, source string) string {
	root := err
	for depth := 0; depth < maxCauseDepth; depth++ {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	input := fmt.Sprintf("%T|%s|%s|%s", root, sanitizeMessage(root.Error()), severity, source)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ReconcileErrorLink matches a finished errored trace to an external
// error record. Strategies in priority order: stored fingerprint,
// class+message over the cause chain, message alone in a time window,
// and occurrence-timestamp proximity filtered by source. The external
// store writes asynchronously, so each pass retries with backoff
// before giving up silently.
func (t *Tracer) ReconcileErrorLink(ctx context.Context, trace *store.Trace, cause error) *store.ErrorLink {
	if t.errorStore == nil || trace == nil || !t.ready.Load() {
		return nil
	}
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Duration(30*attempt) * time.Millisecond):
			}
		}
		errorID, found := t.matchError(ctx, trace, cause)
		if !found {
			continue
		}
		link, _, err := t.traces.FindOrCreateErrorLink(ctx, trace.ID, errorID)
		if err != nil {
			t.logger.Debug().Err(err).Int64("trace_id", trace.ID).Msg("reconcile link failed")
			return nil
		}
		t.SummarizeTrace(ctx, trace)
		return link
	}
	return nil
}

func (t *Tracer) matchError(ctx context.Context, trace *store.Trace, cause error) (int64, bool) {
	if fingerprint := contextString(trace.Context, "error_fingerprint"); fingerprint != "" {
		if id, found, err := t.errorStore.FindByFingerprint(ctx, fingerprint); err == nil && found {
			return id, true
		}
	}
	anchor := trace.StartedAt
	if trace.FinishedAt != nil {
		anchor = *trace.FinishedAt
	}
	if cause != nil {
		for candidate, depth := cause, 0; candidate != nil && depth < maxCauseDepth; candidate, depth = errors.Unwrap(candidate), depth+1 {
			class := fmt.Sprintf("%T", candidate)
			message := sanitizeMessage(candidate.Error())
			if id, found, err := t.errorStore.FindByClassAndMessage(ctx, class, message, anchor.Add(-messageWindow), anchor.Add(messageWindow)); err == nil && found {
				return id, true
			}
		}
		message := sanitizeMessage(cause.Error())
		if id, found, err := t.errorStore.FindByMessage(ctx, message, anchor.Add(-messageWindow), anchor.Add(messageWindow)); err == nil && found {
			return id, true
		}
	}
	occurrences, err := t.errorStore.OccurrencesBetween(ctx, anchor.Add(-occurrenceWindow), anchor.Add(occurrenceWindow))
	if err != nil || len(occurrences) == 0 {
		return 0, false
	}
	sourceName := sourcePrefix(trace.Source)
	var best *ErrorOccurrence
	bestDistance := math.MaxFloat64
	for i := range occurrences {
		occ := occurrences[i]
		if sourceName != "" && sourcePrefix(occ.Source) != sourceName {
			continue
		}
		distance := math.Abs(occ.OccurredAt.Sub(anchor).Seconds())
		if distance < bestDistance {
			best = &occ
			bestDistance = distance
		}
	}
	if best == nil {
		return 0, false
	}
	return best.ErrorID, true
}

// sourcePrefix extracts the handler name from a "Controller#action"
// style source string.
func sourcePrefix(source string) string {
	if i := strings.Index(source, "#"); i > 0 {
		return source[:i]
	}
	return source
}

// ReconcileRecentErrorLinks sweeps errored traces from the last hour
// that have no error link yet and tries to match each one.
func (t *Tracer) ReconcileRecentErrorLinks(ctx context.Context, limit int) int {
	if t.errorStore == nil || !t.ready.Load() {
		return 0
	}
	traces, err := t.traces.ListUnlinkedErrorTraces(ctx, time.Now().UTC().Add(-time.Hour), limit)
	if err != nil {
		t.logger.Debug().Err(err).Msg("unlinked trace sweep failed")
		return 0
	}
	linked := 0
	for i := range traces {
		if link := t.ReconcileErrorLink(ctx, &traces[i], nil); link != nil {
			linked++
		}
	}
	return linked
}
