package tracing

import (
	"context"
	"fmt"

	"tracedeck/core/store"
)

// materializeJourney rolls the summary into its journey. The request
// key wins over the entity key; counts are recomputed from all
// summaries in the key's scope so redundant calls are idempotent.
func (t *Tracer) materializeJourney(ctx context.Context, summary *store.Summary) *store.Journey {
	journey := &store.Journey{LastTraceID: summary.TraceID}
	var rollup *store.JourneyRollup
	var err error
	switch {
	case summary.RequestID != "":
		journey.JourneyKey = "request:" + summary.RequestID
		journey.RequestID = summary.RequestID
		rollup, err = t.summaries.RollupForRequest(ctx, summary.RequestID)
	case summary.EntityType != "" && summary.EntityID != nil:
		journey.JourneyKey = fmt.Sprintf("entity:%s:%d", summary.EntityType, *summary.EntityID)
		journey.EntityType = summary.EntityType
		journey.EntityID = summary.EntityID
		rollup, err = t.summaries.RollupForEntity(ctx, summary.EntityType, *summary.EntityID)
	default:
		return nil
	}
	if err != nil {
		t.logger.Debug().Err(err).Str("journey_key", journey.JourneyKey).Msg("journey rollup failed")
		return nil
	}
	journey.TraceCount = rollup.TraceCount
	journey.ErrorCount = rollup.ErrorCount
	journey.StartedAt = rollup.StartedAt
	journey.FinishedAt = rollup.FinishedAt
	if _, err := t.journeys.UpsertJourney(ctx, journey); err != nil {
		t.logger.Debug().Err(err).Str("journey_key", journey.JourneyKey).Msg("journey upsert failed")
		return nil
	}
	return journey
}
