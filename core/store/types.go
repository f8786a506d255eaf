package store

import "time"

// Trace is one observed unit of work: a request, job, mailer send,
// cable action or outbound HTTP call.
type Trace struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	TraceType       string         `json:"trace_type"`
	Source          string         `json:"source"`
	Status          string         `json:"status"`
	Context         map[string]any `json:"context,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty"`
	CausedByTraceID *int64         `json:"caused_by_trace_id,omitempty"`
	CausedByEventID *int64         `json:"caused_by_event_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func (t *Trace) DurationMS() *float64 {
	if t == nil || t.FinishedAt == nil {
		return nil
	}
	ms := roundMS(t.FinishedAt.Sub(t.StartedAt).Seconds() * 1000.0)
	return &ms
}

// Event is a timed sub-operation recorded within a trace.
type Event struct {
	ID         int64          `json:"id"`
	TraceID    int64          `json:"trace_id"`
	EventType  string         `json:"event_type"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	DurationMS *float64       `json:"duration_ms,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// RecordLink ties a trace to a business entity.
type RecordLink struct {
	ID         int64     `json:"id"`
	TraceID    int64     `json:"trace_id"`
	EntityType string    `json:"entity_type"`
	EntityID   int64     `json:"entity_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrorLink ties a trace to an external error record.
type ErrorLink struct {
	ID        int64     `json:"id"`
	TraceID   int64     `json:"trace_id"`
	ErrorID   int64     `json:"error_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary is the denormalized rollup of one retained trace, used for
// all querying instead of scanning events.
type Summary struct {
	ID               int64          `json:"id"`
	TraceID          int64          `json:"trace_id"`
	Name             string         `json:"name"`
	TraceType        string         `json:"trace_type"`
	Source           string         `json:"source"`
	Status           string         `json:"status"`
	Outcome          string         `json:"outcome"`
	EntityType       string         `json:"entity_type,omitempty"`
	EntityID         *int64         `json:"entity_id,omitempty"`
	HTTPStatus       *int           `json:"http_status,omitempty"`
	RequestMethod    string         `json:"request_method,omitempty"`
	RequestID        string         `json:"request_id,omitempty"`
	Path             string         `json:"path,omitempty"`
	JobClass         string         `json:"job_class,omitempty"`
	QueueName        string         `json:"queue_name,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	DurationMS       *float64       `json:"duration_ms,omitempty"`
	EventCount       int            `json:"event_count"`
	SQLCount         int            `json:"sql_count"`
	SQLDurationMS    float64        `json:"sql_duration_ms"`
	RecordLinkCount  int            `json:"record_link_count"`
	ErrorCount       int            `json:"error_count"`
	UserID           *int64         `json:"user_id,omitempty"`
	AccountID        *int64         `json:"account_id,omitempty"`
	ErrorFingerprint string         `json:"error_fingerprint,omitempty"`
	Service          string         `json:"service,omitempty"`
	Environment      string         `json:"environment,omitempty"`
	Version          string         `json:"version,omitempty"`
	Deployment       string         `json:"deployment,omitempty"`
	Region           string         `json:"region,omitempty"`
	SchemaVersion    string         `json:"schema_version"`
	Payload          map[string]any `json:"payload,omitempty"`
	CausedByTraceID  *int64         `json:"caused_by_trace_id,omitempty"`
	CausedByEventID  *int64         `json:"caused_by_event_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Incident is a detected operational condition with its own lifecycle.
type Incident struct {
	ID             int64          `json:"id"`
	Kind           string         `json:"kind"`
	Severity       string         `json:"severity"`
	Status         string         `json:"status"`
	Source         string         `json:"source,omitempty"`
	Name           string         `json:"name,omitempty"`
	Fingerprint    string         `json:"fingerprint,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy     string         `json:"resolved_by,omitempty"`
	ResolutionNote string         `json:"resolution_note,omitempty"`
	MutedUntil     *time.Time     `json:"muted_until,omitempty"`
	Owner          string         `json:"owner,omitempty"`
	Team           string         `json:"team,omitempty"`
	AssignedBy     string         `json:"assigned_by,omitempty"`
	AssignmentNote string         `json:"assignment_note,omitempty"`
	AssignedAt     *time.Time     `json:"assigned_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

const (
	IncidentStatusActive       = "active"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusResolved     = "resolved"
)

// IncidentEvent is one append-only audit entry for an incident.
type IncidentEvent struct {
	ID         int64          `json:"id"`
	IncidentID int64          `json:"incident_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Journey is a materialized grouping of traces sharing a request id or
// business entity.
type Journey struct {
	ID          int64          `json:"id"`
	JourneyKey  string         `json:"journey_key"`
	RequestID   string         `json:"request_id,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	EntityID    *int64         `json:"entity_id,omitempty"`
	LastTraceID int64          `json:"last_trace_id"`
	TraceCount  int            `json:"trace_count"`
	ErrorCount  int            `json:"error_count"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Payload     map[string]any `json:"payload,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CausalEdge is a directed link from one trace/event to another it
// triggered, e.g. a request trace enqueueing a job.
type CausalEdge struct {
	ID          int64          `json:"id"`
	FromTraceID *int64         `json:"from_trace_id,omitempty"`
	FromEventID *int64         `json:"from_event_id,omitempty"`
	ToTraceID   int64          `json:"to_trace_id"`
	ToEventID   *int64         `json:"to_event_id,omitempty"`
	EdgeType    string         `json:"edge_type"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// SavedView is a stored filter set for the query API.
type SavedView struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Filters   map[string]any `json:"filters,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type TraceFilter struct {
	Status    string
	TraceType string
	Since     time.Time
	Cursor    int64
	Limit     int
}

type SummaryFilter struct {
	Status            string
	TraceType         string
	Name              string
	Source            string
	RequestID         string
	EntityType        string
	EntityID          int64
	ErrorFingerprint  string
	WithFingerprint   bool
	StartedAtOrAfter  time.Time
	StartedBefore     time.Time
	Cursor            int64
	Limit             int
	OrderByStartedAsc bool
}

type IncidentFilter struct {
	Status   string
	StatusIn []string
	Kind     string
	Severity string
	Unmuted  bool
	Cursor   int64
	Limit    int
}
