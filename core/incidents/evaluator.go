// Package incidents detects operational conditions over the summary
// store and maintains their lifecycles: error spikes, new error
// fingerprints, latency regressions and SLO burn, each deduped by an
// identity key and auto-resolved after a quiet window.
package incidents

import (
	"context"
	"database/sql"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tracedeck/config"
	"tracedeck/core/store"
)

type Evaluator struct {
	cfg       config.IncidentsConfig
	db        *sql.DB
	summaries store.SummariesStore
	incidents store.IncidentsStore
	notifier  Notifier
	logger    zerolog.Logger

	ready       atomic.Bool
	suppression []suppressionMatcher

	mu      sync.Mutex
	lastRun time.Time
}

func NewEvaluator(cfg config.IncidentsConfig, db *sql.DB, summaries store.SummariesStore, incidents store.IncidentsStore, notifier Notifier, logger zerolog.Logger) *Evaluator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	e := &Evaluator{
		cfg:       cfg,
		db:        db,
		summaries: summaries,
		incidents: incidents,
		notifier:  notifier,
		logger:    logger,
	}
	for _, rule := range cfg.SuppressionRules {
		e.suppression = append(e.suppression, compileSuppression(rule))
	}
	e.RefreshReadiness(context.Background())
	return e
}

func (e *Evaluator) RefreshReadiness(ctx context.Context) bool {
	ready := store.IncidentSchemaReady(ctx, e.db)
	e.ready.Store(ready)
	return ready
}

// MaybeRun runs the pipeline at most once per configured interval, for
// on-request invocation. Safe under concurrent callers; extra calls
// inside the interval are dropped.
func (e *Evaluator) MaybeRun(ctx context.Context) bool {
	now := time.Now().UTC()
	e.mu.Lock()
	interval := e.cfg.EvaluateMinInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if now.Sub(e.lastRun) < interval {
		e.mu.Unlock()
		return false
	}
	e.lastRun = now
	e.mu.Unlock()
	e.RunOnce(ctx, now)
	return true
}

// RunOnce runs all detection phases against the summary windows ending
// at now, then auto-resolves idle incidents. A no-op while incident
// storage is unavailable.
func (e *Evaluator) RunOnce(ctx context.Context, now time.Time) {
	if !e.ready.Load() {
		return
	}
	now = now.UTC()
	e.detectNewFingerprints(ctx, now)
	groups := e.detectErrorSpikes(ctx, now)
	e.detectP95Regressions(ctx, now, groups)
	e.detectSLOBurn(ctx, now)
	e.autoResolveIdle(ctx, now)
}

func (e *Evaluator) detectNewFingerprints(ctx context.Context, now time.Time) {
	recent, err := e.summaries.DistinctFingerprintsBetween(ctx, now.Add(-time.Hour), now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("fingerprint scan failed")
		return
	}
	for _, fingerprint := range recent {
		seen, err := e.summaries.FingerprintSeenBefore(ctx, fingerprint, now.Add(-time.Hour), now.Add(-14*24*time.Hour))
		if err != nil {
			e.logger.Warn().Err(err).Msg("fingerprint lookback failed")
			continue
		}
		if seen {
			continue
		}
		source, name := e.fingerprintSample(ctx, fingerprint, now)
		e.upsertIncident(ctx, now, &store.Incident{
			Kind:        "new_fingerprint",
			Severity:    "warning",
			Source:      source,
			Name:        name,
			Fingerprint: fingerprint,
			Payload: map[string]any{
				"fingerprint": fingerprint,
				"window":      "1h",
			},
		})
	}
}

func (e *Evaluator) fingerprintSample(ctx context.Context, fingerprint string, now time.Time) (source, name string) {
	samples, err := e.summaries.ListSummaries(ctx, store.SummaryFilter{
		ErrorFingerprint: fingerprint,
		StartedAtOrAfter: now.Add(-time.Hour),
		Limit:            1,
	})
	if err != nil || len(samples) == 0 {
		return "", ""
	}
	return samples[0].Source, samples[0].Name
}

// detectErrorSpikes returns the 24h groups so the regression phase can
// reuse the same scan.
func (e *Evaluator) detectErrorSpikes(ctx context.Context, now time.Time) []store.GroupStat {
	groups, err := e.summaries.GroupStatsBetween(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("group scan failed")
		return nil
	}
	for _, group := range groups {
		if group.Total < e.cfg.MinSamples {
			continue
		}
		ratePct := float64(group.ErrorCount) / float64(group.Total) * 100.0
		if ratePct < e.cfg.ErrorSpikeThresholdPct {
			continue
		}
		e.upsertIncident(ctx, now, &store.Incident{
			Kind:     "error_spike",
			Severity: "critical",
			Source:   group.Source,
			Name:     group.Name,
			Payload: map[string]any{
				"error_rate_pct": round2(ratePct),
				"sample_count":   group.Total,
				"error_count":    group.ErrorCount,
				"window":         "24h",
			},
		})
	}
	return groups
}

func (e *Evaluator) detectP95Regressions(ctx context.Context, now time.Time, groups []store.GroupStat) {
	for _, group := range groups {
		recent, err := e.summaries.DurationsForGroup(ctx, group.Name, group.Source, now.Add(-time.Hour), now)
		if err != nil || len(recent) < e.cfg.MinSamples {
			continue
		}
		baseline, err := e.summaries.DurationsForGroup(ctx, group.Name, group.Source, now.Add(-7*24*time.Hour), now.Add(-time.Hour))
		if err != nil || len(baseline) < e.cfg.MinSamples {
			continue
		}
		recentP95 := percentile(recent, 0.95)
		baselineP95 := percentile(baseline, 0.95)
		if baselineP95 <= 0 || recentP95 < baselineP95*e.cfg.P95RegressionFactor {
			continue
		}
		e.upsertIncident(ctx, now, &store.Incident{
			Kind:     "p95_regression",
			Severity: "warning",
			Source:   group.Source,
			Name:     group.Name,
			Payload: map[string]any{
				"recent_p95_ms":   round2(recentP95),
				"baseline_p95_ms": round2(baselineP95),
				"factor":          round2(recentP95 / baselineP95),
			},
		})
	}
}

func (e *Evaluator) detectSLOBurn(ctx context.Context, now time.Time) {
	if e.cfg.SLOTargetErrorRatePct <= 0 {
		return
	}
	total, errorCount, err := e.summaries.TotalsBetween(ctx, now.Add(-time.Hour), now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("slo scan failed")
		return
	}
	if total < e.cfg.MinSamples {
		return
	}
	observedPct := float64(errorCount) / float64(total) * 100.0
	burnRate := observedPct / e.cfg.SLOTargetErrorRatePct
	if burnRate < e.cfg.SLOBurnRateThreshold {
		return
	}
	e.upsertIncident(ctx, now, &store.Incident{
		Kind:     "slo_burn_rate",
		Severity: "critical",
		Source:   "slo",
		Name:     "error_rate",
		Payload: map[string]any{
			"observed_error_rate_pct": round2(observedPct),
			"target_error_rate_pct":   e.cfg.SLOTargetErrorRatePct,
			"burn_rate":               round2(burnRate),
			"sample_count":            total,
			"window":                  "1h",
		},
	})
}

func (e *Evaluator) autoResolveIdle(ctx context.Context, now time.Time) {
	quiet := e.cfg.QuietWindow
	if quiet <= 0 {
		quiet = 2 * time.Hour
	}
	idle, err := e.incidents.ListIdleActiveIncidents(ctx, now.Add(-quiet))
	if err != nil {
		e.logger.Warn().Err(err).Msg("idle incident scan failed")
		return
	}
	for _, incident := range idle {
		if _, err := e.incidents.ResolveIncident(ctx, incident.ID, "system", "auto-resolved after quiet window"); err != nil {
			e.logger.Warn().Err(err).Int64("incident_id", incident.ID).Msg("auto-resolve failed")
		}
	}
}

// upsertIncident applies suppression, then dedupes on the identity key
// within the configured window: matches update in place, resolved
// matches reopen with a notification, everything else creates fresh.
func (e *Evaluator) upsertIncident(ctx context.Context, now time.Time, candidate *store.Incident) {
	if e.suppressed(candidate) {
		return
	}
	window := e.cfg.DedupeWindow
	if window <= 0 {
		window = time.Hour
	}
	existing, err := e.incidents.FindRecentIncident(ctx, candidate.Kind, candidate.Source, candidate.Name, candidate.Fingerprint, now.Add(-window))
	if err != nil {
		e.logger.Warn().Err(err).Str("kind", candidate.Kind).Msg("incident lookup failed")
		return
	}
	if existing != nil {
		if existing.Status == store.IncidentStatusResolved {
			if err := e.incidents.ReopenIncident(ctx, existing.ID, now, candidate.Severity, candidate.Payload); err != nil {
				e.logger.Warn().Err(err).Int64("incident_id", existing.ID).Msg("incident reopen failed")
				return
			}
			existing.Status = store.IncidentStatusActive
			e.notify(ctx, existing, "reopened")
			return
		}
		if err := e.incidents.TouchIncident(ctx, existing.ID, now, candidate.Severity, candidate.Payload); err != nil {
			e.logger.Warn().Err(err).Int64("incident_id", existing.ID).Msg("incident touch failed")
		}
		return
	}
	candidate.DetectedAt = now
	candidate.LastSeenAt = now
	if _, err := e.incidents.CreateIncident(ctx, candidate); err != nil {
		e.logger.Warn().Err(err).Str("kind", candidate.Kind).Msg("incident create failed")
		return
	}
	e.notify(ctx, candidate, "created")
}

func (e *Evaluator) notify(ctx context.Context, incident *store.Incident, action string) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn().Interface("panic", rec).Msg("notifier panicked")
		}
	}()
	e.notifier.Notify(ctx, incident, action)
}

type suppressionMatcher struct {
	kind        fieldMatcher
	source      fieldMatcher
	name        fieldMatcher
	fingerprint fieldMatcher
}

type fieldMatcher struct {
	set     bool
	exact   string
	pattern *regexp.Regexp
}

// compileSuppression builds matchers from a rule; values wrapped in
// slashes are treated as regular expressions.
func compileSuppression(rule config.SuppressionRule) suppressionMatcher {
	return suppressionMatcher{
		kind:        compileField(rule.Kind),
		source:      compileField(rule.Source),
		name:        compileField(rule.Name),
		fingerprint: compileField(rule.Fingerprint),
	}
}

func compileField(value string) fieldMatcher {
	value = strings.TrimSpace(value)
	if value == "" {
		return fieldMatcher{}
	}
	if len(value) > 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
		if pattern, err := regexp.Compile(value[1 : len(value)-1]); err == nil {
			return fieldMatcher{set: true, pattern: pattern}
		}
	}
	return fieldMatcher{set: true, exact: value}
}

func (m fieldMatcher) matches(value string) bool {
	if !m.set {
		return true
	}
	if m.pattern != nil {
		return m.pattern.MatchString(value)
	}
	return m.exact == value
}

func (e *Evaluator) suppressed(incident *store.Incident) bool {
	for _, rule := range e.suppression {
		if rule.kind.matches(incident.Kind) &&
			rule.source.matches(incident.Source) &&
			rule.name.matches(incident.Name) &&
			rule.fingerprint.matches(incident.Fingerprint) {
			return true
		}
	}
	return false
}

// percentile is ceiling-indexed nearest rank over sorted values.
func percentile(values []float64, ratio float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	index := int(math.Ceil(ratio * float64(len(sorted)-1)))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
