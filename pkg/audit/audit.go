// Package audit writes an append-only trail of operator decisions, version
// promotions and rejected raw queries. Events carry a JSON copy of themselves
// so they can be shipped to a SIEM without re-parsing the log line.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontology-engine/pkg/logging"
)

// EventType categorizes audit events for filtering and alerting.
type EventType string

const (
	EventRelationDecision EventType = "relation_decision"
	EventVersionPromotion EventType = "heuristics_version_promotion"
	EventInjectionAttempt EventType = "sql_injection_attempt"
)

// Severity levels attached to events.
const (
	SeverityInfo     = "info"
	SeverityCritical = "critical"
)

// maxLoggedValue bounds parameter values copied into an event.
const maxLoggedValue = 200

// Origin identifies the entry point that triggered an event.
type Origin struct {
	Source    string `json:"source"` // http, mcp, cli, schedule
	RequestID string `json:"request_id,omitempty"`
	ClientIP  string `json:"client_ip,omitempty"`
}

type originKey struct{}

// WithOrigin attaches an origin to ctx.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// OriginFrom returns the origin stored in ctx, or Source "internal" when none is set.
func OriginFrom(ctx context.Context) Origin {
	if o, ok := ctx.Value(originKey{}).(Origin); ok {
		return o
	}
	return Origin{Source: "internal"}
}

// Event is one audit record.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	Origin    Origin    `json:"origin"`
	Details   any       `json:"details"`
	Severity  string    `json:"severity"`
}

// RelationDecisionDetails describes a manual accept or reject.
type RelationDecisionDetails struct {
	RelationID        string `json:"relation_id"`
	Decision          string `json:"decision"`
	EntityAType       string `json:"entity_a_type"`
	EntityBType       string `json:"entity_b_type"`
	HeuristicsVersion string `json:"heuristics_version"`
}

// InjectionDetails describes a raw query parameter rejected by libinjection.
type InjectionDetails struct {
	ParamName   string `json:"param_name"`
	ParamValue  string `json:"param_value"`
	Fingerprint string `json:"fingerprint"`
}

// Auditor emits audit events on a dedicated logger namespace.
type Auditor struct {
	logger *zap.Logger
}

// NewAuditor creates an auditor logging under "audit".
func NewAuditor(logger *zap.Logger) *Auditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{logger: logger.Named("audit")}
}

// LogRelationDecision records an operator decision on a relation candidate.
func (a *Auditor) LogRelationDecision(ctx context.Context, details RelationDecisionDetails) {
	origin, eventJSON := a.encode(ctx, EventRelationDecision, SeverityInfo, details)
	a.logger.Info("Relation decision recorded",
		zap.String("event_json", eventJSON),
		zap.String("relation_id", details.RelationID),
		zap.String("decision", details.Decision),
		zap.String("heuristics_version", details.HeuristicsVersion),
		zap.String("source", origin.Source),
		zap.String("request_id", origin.RequestID),
		zap.String("client_ip", origin.ClientIP))
}

// LogVersionPromotion records a heuristics version becoming current.
func (a *Auditor) LogVersionPromotion(ctx context.Context, previous, current string) {
	origin, eventJSON := a.encode(ctx, EventVersionPromotion, SeverityInfo, map[string]string{
		"previous_version": previous,
		"current_version":  current,
	})
	a.logger.Info("Heuristics version promoted",
		zap.String("event_json", eventJSON),
		zap.String("previous_version", previous),
		zap.String("current_version", current),
		zap.String("source", origin.Source))
}

// LogInjectionAttempt records a rejected raw query parameter. Logged at Error
// with critical severity.
func (a *Auditor) LogInjectionAttempt(ctx context.Context, details InjectionDetails) {
	details.ParamValue = logging.TruncateString(details.ParamValue, maxLoggedValue)
	origin, eventJSON := a.encode(ctx, EventInjectionAttempt, SeverityCritical, details)
	a.logger.Error("SQL injection attempt detected",
		zap.String("event_json", eventJSON),
		zap.String("param_name", details.ParamName),
		zap.String("fingerprint", details.Fingerprint),
		zap.String("source", origin.Source),
		zap.String("request_id", origin.RequestID),
		zap.String("client_ip", origin.ClientIP),
		zap.String("severity", SeverityCritical))
}

func (a *Auditor) encode(ctx context.Context, typ EventType, severity string, details any) (Origin, string) {
	origin := OriginFrom(ctx)
	eventJSON, err := json.Marshal(Event{
		Timestamp: time.Now().UTC(),
		EventType: typ,
		Origin:    origin,
		Details:   details,
		Severity:  severity,
	})
	if err != nil {
		a.logger.Warn("Failed to encode audit event", zap.String("event_type", string(typ)), zap.Error(err))
		return origin, ""
	}
	return origin, string(eventJSON)
}
