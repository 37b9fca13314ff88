// Package engine wires the scanner, classifier, transformer, ledger and
// records store into the scan and de-identification operations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/phi-deid-engine/internal/bundle"
	"github.com/wolfman30/phi-deid-engine/internal/events"
	"github.com/wolfman30/phi-deid-engine/internal/idempotency"
	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/observability/metrics"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/internal/records"
	"github.com/wolfman30/phi-deid-engine/internal/scanner"
	"github.com/wolfman30/phi-deid-engine/internal/transform"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

var engineTracer = otel.Tracer("phideid.internal.engine")

const defaultScanTimeout = 5 * time.Second

// ErrTransformUnavailable is returned when de-identification is requested
// but no transformer is configured.
var ErrTransformUnavailable = errors.New("engine: de-identification not configured")

// ErrOutputUnavailable means the scan was de-identified but the output can
// no longer be replayed.
var ErrOutputUnavailable = errors.New("engine: de-identified output no longer available")

// Deps are the collaborators of a Service. Config, Scanner, Records and
// Ledger are required.
type Deps struct {
	Config      bundle.Source
	Scanner     *scanner.Scanner
	Transformer *transform.Transformer
	Records     records.Store
	Ledger      *ledger.Ledger
	Idempotency idempotency.Store
	Events      events.Emitter
	Metrics     *metrics.EngineMetrics
	Logger      *logging.Logger
}

// Options tune a Service.
type Options struct {
	ScanTimeout time.Duration
	Now         func() time.Time
	NewID       func() string
}

// Service runs scans. It is safe for concurrent use.
type Service struct {
	deps Deps
	opts Options
}

func NewService(deps Deps, opts Options) *Service {
	if deps.Config == nil || deps.Scanner == nil || deps.Records == nil || deps.Ledger == nil {
		panic("engine: config source, scanner, records and ledger are required")
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = defaultScanTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{deps: deps, opts: opts}
}

// Input is one scan call.
type Input struct {
	// ScanID is optional; one is generated when empty.
	ScanID    string
	Text      string
	Context   phi.ScanContext
	Options   phi.ScanOptions
	Principal phi.Principal
	// RequestID correlates emitted events with the inbound request.
	RequestID string
}

// Outcome is what a scan returns. Findings carry no quotes.
type Outcome struct {
	Request          phi.ScanRequest              `json:"request"`
	Findings         []phi.Finding                `json:"findings"`
	Result           phi.ScanResult               `json:"result"`
	DeidentifiedText string                       `json:"deidentified_text,omitempty"`
	Record           *phi.DeidentificationRecord `json:"deidentification,omitempty"`
}

// Scan detects, classifies and persists. When de-identification is
// requested the text is transformed too; if that step fails the scan stays
// persisted and the returned Outcome is non-nil alongside the error.
func (s *Service) Scan(ctx context.Context, in Input) (*Outcome, error) {
	ctx, span := engineTracer.Start(ctx, "engine.scan")
	defer span.End()
	started := s.opts.Now()

	out, err := s.scan(ctx, in, started)
	classification := ""
	if out != nil {
		classification = string(out.Result.Classification)
		span.SetAttributes(
			attribute.String("phideid.scan_id", out.Request.ID),
			attribute.String("phideid.classification", classification),
			attribute.Int("phideid.finding_count", out.Result.FindingCount),
		)
	}
	status := "ok"
	if err != nil {
		span.RecordError(err)
		status = "error"
		if out != nil {
			status = "partial"
		}
	}
	s.deps.Metrics.ObserveScan(status, classification, s.opts.Now().Sub(started).Seconds())
	return out, err
}

func (s *Service) scan(ctx context.Context, in Input, started time.Time) (*Outcome, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	cfg, err := s.activeConfig(ctx)
	if err != nil {
		return nil, err
	}
	scanID := strings.TrimSpace(in.ScanID)
	if scanID == "" {
		scanID = s.opts.NewID()
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	findings, err := s.deps.Scanner.Scan(scanCtx, scanID, in.Text, cfg.Registry.Detectors())
	cancel()
	if err != nil {
		return nil, err
	}

	result := cfg.Classifier.ClassifyWithOptions(scanID, findings, in.Options)
	completed := s.opts.Now()
	result.ProcessingTime = completed.Sub(started)
	result.CompletedAt = completed.UTC()

	request := phi.ScanRequest{
		ID:            scanID,
		ContentHash:   phi.HashContent(in.Text),
		ContentLength: len(in.Text),
		Context:       in.Context,
		Options:       in.Options,
		ConfigVersion: cfg.Version,
		Principal:     in.Principal.ID,
		SubmittedAt:   started.UTC(),
	}
	days := cfg.Retention.DaysFor(result)
	disposal := ledger.DisposalDate(request.SubmittedAt, days)
	entries, err := ledger.Build(nil, scanID,
		ledger.Step{Event: ledger.EventSubmitted, Principal: in.Principal.ID, At: request.SubmittedAt},
		ledger.Step{Event: ledger.EventScanned, Principal: in.Principal.ID, At: result.CompletedAt,
			RetentionDays: days, DisposalDate: &disposal, ComplianceFlags: result.ComplianceIssues},
	)
	if err != nil {
		return nil, err
	}
	scan := records.Scan{Request: request, Findings: findings, Result: result}
	if err := s.deps.Records.SaveScan(ctx, scan, entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		s.deps.Metrics.ObserveLedgerEvent(string(e.Event))
	}
	for _, f := range findings {
		s.deps.Metrics.ObserveFindings(string(f.Category), jurisdictionLabel(f), 1)
	}
	s.deps.Logger.Info("scan persisted", "scan_id", scanID, "classification", result.Classification,
		"risk_score", result.RiskScore, "finding_count", result.FindingCount, "config_version", cfg.Version)

	if result.Classification.AtLeast(phi.HighRisk) {
		s.emitHighRisk(ctx, in.RequestID, result, cfg.Version)
	}

	out := &Outcome{Request: request, Findings: withoutQuotes(findings), Result: result}
	if in.Options.EnableDeidentification {
		res, err := s.deidentify(ctx, scan, in.Text, cfg, in.Principal)
		if err != nil {
			return out, err
		}
		out.DeidentifiedText = res.Text
		out.Record = &res.Record
		return out, nil
	}
	if err := s.retain(ctx, scanID, in.Principal.ID, result.ComplianceIssues); err != nil {
		return out, err
	}
	return out, nil
}

// Transform retries de-identification of a persisted scan. text must be the
// scanned text. A scan that already completed returns its first output.
func (s *Service) Transform(ctx context.Context, scanID, text string, principal phi.Principal) (*Outcome, error) {
	ctx, span := engineTracer.Start(ctx, "engine.transform")
	defer span.End()
	span.SetAttributes(attribute.String("phideid.scan_id", scanID))

	if principal.ID == "" {
		return nil, phierr.Validation("engine.transform", "principal", errors.New("principal is required"))
	}
	scan, err := s.deps.Records.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if phi.HashContent(text) != scan.Request.ContentHash {
		return nil, phierr.Validation("engine.transform", "text", errors.New("text does not match the scanned content"))
	}
	out := &Outcome{Request: scan.Request, Findings: withoutQuotes(scan.Findings), Result: scan.Result}

	if cached, ok, err := s.deps.Idempotency.Get(ctx, scanID); err != nil {
		s.deps.Logger.Warn("idempotency lookup failed", "scan_id", scanID, "error", err)
	} else if ok {
		if err := s.complete(ctx, *scan, cached, principal.ID); err != nil {
			return out, err
		}
		out.DeidentifiedText = cached.Text
		out.Record = &cached.Record
		return out, nil
	}

	head, ok, err := s.deps.Ledger.Store().Head(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if !ok || head.ToState != ledger.StateScanned {
		if _, err := s.deps.Records.GetDeidentification(ctx, scanID); err == nil {
			return nil, phierr.Conflict("engine.transform", "scan_id", ErrOutputUnavailable)
		}
		return nil, phierr.Validationf("engine.transform", "state", "scan %s is %q and can no longer be transformed", scanID, head.ToState)
	}

	cfg, err := s.activeConfig(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.deidentify(ctx, *scan, text, cfg, principal)
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	out.DeidentifiedText = res.Text
	out.Record = &res.Record
	return out, nil
}

// Reverse restores the original text of a reversible de-identification.
func (s *Service) Reverse(ctx context.Context, scanID, text string, principal phi.Principal) (string, error) {
	ctx, span := engineTracer.Start(ctx, "engine.reverse")
	defer span.End()
	span.SetAttributes(attribute.String("phideid.scan_id", scanID))

	if s.deps.Transformer == nil {
		return "", phierr.Configuration("engine.reverse", "transformer", ErrTransformUnavailable)
	}
	rec, err := s.deps.Records.GetDeidentification(ctx, scanID)
	if err != nil {
		return "", err
	}
	original, err := s.deps.Transformer.Reverse(ctx, rec, text, principal)
	if err != nil {
		span.RecordError(err)
		status := "error"
		if phierr.KindOf(err) == phierr.KindAuthorization {
			status = "denied"
		}
		s.deps.Metrics.ObserveReversal(status)
		return "", err
	}
	s.deps.Metrics.ObserveReversal("ok")
	return original, nil
}

// Verify re-scans de-identified text, skipping synthetic output, and fails
// when any detector still matches. Every type is covered by the policy's
// default rule, so any residual finding is a policy gap.
//
// Synthetic output is the record's DATE_SHIFT and REPLACE ranges. A shifted
// date is still a valid date, so a plain Scan of the same text reports it;
// only Verify knows to skip it.
func (s *Service) Verify(ctx context.Context, text string, record *phi.DeidentificationRecord, cfg *bundle.Bundle) error {
	ctx, span := engineTracer.Start(ctx, "engine.verify")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return nil
	}
	residual, err := s.deps.Scanner.ScanExcluding(ctx, record.ScanID+":verify", text, cfg.Registry.Detectors(), record.SyntheticRanges())
	if err != nil {
		return err
	}
	if len(residual) == 0 {
		return nil
	}
	types := make([]string, 0, len(residual))
	seen := make(map[string]bool)
	for _, f := range residual {
		if !seen[f.InfoType] {
			seen[f.InfoType] = true
			types = append(types, f.InfoType)
		}
	}
	err = phierr.Configurationf("engine.verify", "policy", "policy v%d leaves %d residual finding(s) of %s", cfg.Policy.Version, len(residual), strings.Join(types, ","))
	span.RecordError(err)
	return err
}

func (s *Service) deidentify(ctx context.Context, scan records.Scan, text string, cfg *bundle.Bundle, principal phi.Principal) (*idempotency.Result, error) {
	scanID := scan.Request.ID
	if s.deps.Transformer == nil {
		err := phierr.Configuration("engine.transform", "transformer", ErrTransformUnavailable)
		return nil, s.transformFailed(ctx, scanID, principal.ID, err)
	}
	findings, err := rehydrate(text, scan.Findings)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(scan.Request.Context.PatientRef)
	if subject == "" {
		subject = scanID
	}
	res, err := s.deps.Transformer.Transform(ctx, transform.Input{
		ScanID:       scanID,
		Text:         text,
		Findings:     findings,
		Subject:      subject,
		Replacements: replacements(cfg),
	}, cfg.Policy)
	if err != nil {
		s.deps.Metrics.ObserveTransform("error", false)
		return nil, s.transformFailed(ctx, scanID, principal.ID, err)
	}
	if err := s.Verify(ctx, res.Text, res.Record, cfg); err != nil {
		s.deps.Metrics.ObserveTransform("error", false)
		return nil, s.transformFailed(ctx, scanID, principal.ID, err)
	}

	winner, err := s.deps.Idempotency.Put(ctx, scanID, idempotency.Result{Text: res.Text, Record: *res.Record})
	if err != nil {
		s.deps.Logger.Warn("idempotency store unavailable", "scan_id", scanID, "error", err)
		winner = &idempotency.Result{Text: res.Text, Record: *res.Record}
	}
	if err := s.complete(ctx, scan, winner, principal.ID); err != nil {
		return nil, err
	}
	s.deps.Metrics.ObserveTransform("ok", winner.Record.Fallback)
	s.deps.Logger.Info("scan de-identified", "scan_id", scanID, "transformations", len(winner.Record.Transformations),
		"reversible", winner.Record.Reversible, "fallback", winner.Record.Fallback)
	return winner, nil
}

// complete persists the record and moves the ledger to retained. Each step
// tolerates having been done by an earlier attempt.
func (s *Service) complete(ctx context.Context, scan records.Scan, res *idempotency.Result, principal string) error {
	scanID := scan.Request.ID
	rec := res.Record
	if err := s.deps.Records.SaveDeidentification(ctx, &rec); err != nil && !errors.Is(err, phierr.ErrConflict) {
		return err
	}
	head, ok, err := s.deps.Ledger.Store().Head(ctx, scanID)
	if err != nil {
		return err
	}
	if !ok {
		return phierr.NotFound("engine.transform", "scan_id", ledger.ErrEntryNotFound)
	}
	if head.ToState == ledger.StateScanned {
		details, err := json.Marshal(map[string]any{
			"policy_version":  rec.PolicyVersion,
			"transformations": len(rec.Transformations),
			"reversible":      rec.Reversible,
			"fallback":        rec.Fallback,
		})
		if err != nil {
			return fmt.Errorf("engine: marshal transform details: %w", err)
		}
		var flags []string
		if rec.Fallback {
			flags = append(flags, "irreversible_fallback")
		}
		if _, err := s.deps.Ledger.Record(ctx, scanID, ledger.Step{Event: ledger.EventTransformed, Principal: principal,
			ComplianceFlags: flags, Details: details}); err != nil {
			return err
		}
		s.deps.Metrics.ObserveLedgerEvent(string(ledger.EventTransformed))
		head.ToState = ledger.StateTransformed
	}
	if head.ToState == ledger.StateTransformed {
		return s.retain(ctx, scanID, principal, scan.Result.ComplianceIssues)
	}
	return nil
}

func (s *Service) retain(ctx context.Context, scanID, principal string, flags []string) error {
	if _, err := s.deps.Ledger.Record(ctx, scanID, ledger.Step{Event: ledger.EventRetained, Principal: principal,
		ComplianceFlags: flags}); err != nil {
		return err
	}
	s.deps.Metrics.ObserveLedgerEvent(string(ledger.EventRetained))
	return nil
}

// transformFailed records the failure and returns cause. The scan itself
// stays persisted so the caller can retry with the same id.
func (s *Service) transformFailed(ctx context.Context, scanID, principal string, cause error) error {
	details, err := json.Marshal(map[string]string{
		"error_kind":  string(phierr.KindOf(cause)),
		"error_field": phierr.FieldOf(cause),
	})
	if err != nil {
		return fmt.Errorf("engine: marshal failure details: %w", err)
	}
	if _, err := s.deps.Ledger.Record(ctx, scanID, ledger.Step{Event: ledger.EventTransformFailed, Principal: principal,
		Details: details}); err != nil {
		s.deps.Logger.Error("failed to record transform failure", "scan_id", scanID, "error", err)
		return errors.Join(cause, err)
	}
	s.deps.Metrics.ObserveLedgerEvent(string(ledger.EventTransformFailed))
	s.deps.Logger.Warn("transform failed", "scan_id", scanID, "kind", phierr.KindOf(cause), "error", cause)
	return cause
}

func (s *Service) activeConfig(ctx context.Context) (*bundle.Bundle, error) {
	cfg, err := s.deps.Config.Active(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Approved() {
		return nil, phierr.Configuration("config.active", "status", bundle.ErrNoApprovedConfig)
	}
	return cfg, nil
}

func (s *Service) emitHighRisk(ctx context.Context, requestID string, result phi.ScanResult, version int) {
	if s.deps.Events == nil {
		return
	}
	id := uuid.New()
	evt := events.NewHighRiskDetected(id.String(), result, version)
	correlation := strings.TrimSpace(requestID)
	if correlation == "" {
		correlation = result.ScanID
	}
	if _, err := s.deps.Events.Emit(ctx, "scan:"+result.ScanID, correlation, evt,
		events.WithEventID(id), events.WithTimestamp(evt.DetectedAt)); err != nil {
		// The scan is persisted; the outbox or a report will surface it.
		s.deps.Logger.Error("failed to emit high risk event", "scan_id", result.ScanID, "error", err)
	}
}

func validateInput(in Input) error {
	if strings.TrimSpace(in.Text) == "" {
		return phierr.Validation("engine.scan", "text", errors.New("content is empty"))
	}
	if strings.TrimSpace(in.Principal.ID) == "" {
		return phierr.Validation("engine.scan", "principal", errors.New("principal is required"))
	}
	switch in.Options.AuditLevel {
	case "", phi.AuditMinimal, phi.AuditStandard, phi.AuditDetailed:
	default:
		return phierr.Validationf("engine.scan", "options.audit_level", "unknown audit level %q", in.Options.AuditLevel)
	}
	return nil
}

// rehydrate restores quotes from the scanned text.
func rehydrate(text string, findings []phi.Finding) ([]phi.Finding, error) {
	out := make([]phi.Finding, len(findings))
	for i, f := range findings {
		if f.Span.Start < 0 || f.Span.End > len(text) || f.Span.Start >= f.Span.End {
			return nil, phierr.Validationf("engine.transform", "findings", "finding %s is outside the text", f.ID)
		}
		f.Quote = text[f.Span.Start:f.Span.End]
		out[i] = f
	}
	return out, nil
}

func withoutQuotes(findings []phi.Finding) []phi.Finding {
	out := make([]phi.Finding, len(findings))
	for i, f := range findings {
		f.Quote = ""
		out[i] = f
	}
	return out
}

func replacements(cfg *bundle.Bundle) map[string]string {
	out := make(map[string]string)
	for _, it := range cfg.Registry.Types() {
		if it.Replacement != "" {
			out[it.ID] = it.Replacement
		}
	}
	return out
}

func jurisdictionLabel(f phi.Finding) string {
	if f.QuebecSpecific {
		return phi.JurisdictionQuebec
	}
	if f.Jurisdiction != "" {
		return f.Jurisdiction
	}
	return phi.JurisdictionGeneric
}
