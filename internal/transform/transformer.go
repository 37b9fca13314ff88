// Package transform rewrites located findings into a de-identified variant
// of the text and, when asked, seals the originals for authorized reversal.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/phi-deid-engine/internal/kms"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

var transformTracer = otel.Tracer("phideid.internal.transform")

const minSaltBytes = 16

// Config holds deployment-level transformer settings.
type Config struct {
	// HashSalt keys the HASH operation. Required.
	HashSalt []byte
	// Offsets defaults to CryptoOffsets.
	Offsets OffsetSource
	Now     func() time.Time
}

// Transformer holds no per-request state and may be shared.
type Transformer struct {
	keys    kms.KeyService
	salt    []byte
	offsets OffsetSource
	now     func() time.Time
	logger  *logging.Logger
}

// New builds a Transformer. keys may be nil when no policy is reversible.
func New(keys kms.KeyService, cfg Config, logger *logging.Logger) (*Transformer, error) {
	if len(cfg.HashSalt) < minSaltBytes {
		return nil, phierr.Configurationf("transform.new", "hash_salt", "salt must be at least %d bytes", minSaltBytes)
	}
	if cfg.Offsets == nil {
		cfg.Offsets = CryptoOffsets{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	salt := make([]byte, len(cfg.HashSalt))
	copy(salt, cfg.HashSalt)
	return &Transformer{keys: keys, salt: salt, offsets: cfg.Offsets, now: cfg.Now, logger: logger}, nil
}

// Input is one transform request.
type Input struct {
	ScanID   string
	Text     string
	Findings []phi.Finding
	// Subject groups dates that must share a shift offset.
	Subject string
	// Replacements are per info type synthetic values, usually taken from
	// the registry. Rule.Replacement wins over them.
	Replacements map[string]string
}

// Result is the de-identified text and its record.
type Result struct {
	Text   string
	Record *phi.DeidentificationRecord
}

// reversalItem is one sealed original, addressed by its output range.
type reversalItem struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Original string `json:"original"`
}

// Transform applies policy to every selected finding. Overlapping findings
// are merged first and rewritten once under the strongest member's rule.
func (t *Transformer) Transform(ctx context.Context, in Input, policy Policy) (*Result, error) {
	ctx, span := transformTracer.Start(ctx, "transform.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("phideid.scan_id", in.ScanID),
		attribute.Int("phideid.finding_count", len(in.Findings)),
		attribute.Int("phideid.policy_version", policy.Version),
	)

	if err := policy.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if policy.Reversible && t.keys == nil && !policy.AllowIrreversibleFallback {
		err := phierr.KeyManagement("transform.apply", "reversal_key_id", errors.New("no key service configured"))
		span.RecordError(err)
		return nil, err
	}
	selected, err := Select(in.Text, in.Findings)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	planner := newShiftPlanner(t.offsets)
	var (
		out       strings.Builder
		applied   = make([]phi.Transformation, 0, len(selected))
		originals = make([]reversalItem, 0, len(selected))
		last      int
	)
	out.Grow(len(in.Text))
	for _, f := range selected {
		original := in.Text[f.Span.Start:f.Span.End]
		replacement, op, err := t.apply(f.InfoType, original, policy, in, planner)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		out.WriteString(in.Text[last:f.Span.Start])
		start := out.Len()
		out.WriteString(replacement)
		applied = append(applied, phi.Transformation{
			InfoType:  f.InfoType,
			Operation: op,
			Start:     start,
			End:       out.Len(),
			Synthetic: op.Synthetic(),
		})
		originals = append(originals, reversalItem{Start: start, End: out.Len(), Original: original})
		last = f.Span.End
	}
	out.WriteString(in.Text[last:])
	text := out.String()

	record := &phi.DeidentificationRecord{
		ScanID:           in.ScanID,
		OriginalHash:     phi.HashContent(in.Text),
		DeidentifiedHash: phi.HashContent(text),
		Transformations:  applied,
		PolicyVersion:    policy.Version,
		CreatedAt:        t.now().UTC(),
	}
	if policy.Reversible {
		if err := t.seal(ctx, record, originals, policy); err != nil {
			if !policy.AllowIrreversibleFallback {
				span.RecordError(err)
				return nil, err
			}
			t.logger.Warn("reversal key unavailable, storing irreversible record",
				"scan_id", in.ScanID, "reversal_key_id", policy.ReversalKeyID, "error", err)
			record.Fallback = true
		}
	}

	span.SetAttributes(attribute.Int("phideid.transformed_count", len(applied)))
	return &Result{Text: text, Record: record}, nil
}

func (t *Transformer) apply(infoType, original string, policy Policy, in Input, planner *shiftPlanner) (string, phi.Operation, error) {
	rule := policy.RuleFor(infoType)
	switch rule.Operation {
	case phi.OpMask:
		return Mask(original, rule), phi.OpMask, nil
	case phi.OpReplace:
		if rule.Replacement != "" {
			return rule.Replacement, phi.OpReplace, nil
		}
		if r := in.Replacements[infoType]; r != "" {
			return r, phi.OpReplace, nil
		}
		return Synthesize(original), phi.OpReplace, nil
	case phi.OpHash:
		return Hash(infoType, original, t.salt), phi.OpHash, nil
	case phi.OpDateShift:
		days, err := planner.offsetFor(in.Subject, rule.maxShiftDays())
		if err != nil {
			return "", "", phierr.Configuration("transform.apply", "offsets", err)
		}
		if shifted, ok := ShiftDate(original, days); ok {
			return shifted, phi.OpDateShift, nil
		}
		return Redact(infoType, policy.marker()), phi.OpRedact, nil
	default:
		return Redact(infoType, policy.marker()), phi.OpRedact, nil
	}
}

func (t *Transformer) seal(ctx context.Context, record *phi.DeidentificationRecord, originals []reversalItem, policy Policy) error {
	if t.keys == nil {
		return phierr.KeyManagement("transform.seal", "reversal_key_id", errors.New("no key service configured"))
	}
	key, err := t.keys.Key(ctx, policy.ReversalKeyID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(originals)
	if err != nil {
		return fmt.Errorf("transform: marshal originals: %w", err)
	}
	envelope, err := t.keys.Encrypt(ctx, key, payload)
	if err != nil {
		return err
	}
	record.Reversible = true
	record.ReversalKeyID = key.ID
	record.ReversalEnvelope = envelope
	record.AuthorizedRoles = append([]string(nil), policy.AuthorizedRoles...)
	return nil
}

// Reverse restores the original text from a reversible record. The caller
// must hold one of the record's authorized roles.
func (t *Transformer) Reverse(ctx context.Context, record *phi.DeidentificationRecord, text string, principal phi.Principal) (string, error) {
	ctx, span := transformTracer.Start(ctx, "transform.reverse")
	defer span.End()

	if record == nil || !record.Reversible || len(record.ReversalEnvelope) == 0 {
		return "", phierr.Validation("transform.reverse", "reversible", errors.New("record is not reversible"))
	}
	span.SetAttributes(attribute.String("phideid.scan_id", record.ScanID))
	if !principal.HasAnyRole(record.AuthorizedRoles) {
		err := phierr.Authorization("transform.reverse", "roles", fmt.Errorf("principal %q lacks an authorized role", principal.ID))
		span.RecordError(err)
		return "", err
	}
	if phi.HashContent(text) != record.DeidentifiedHash {
		return "", phierr.Validation("transform.reverse", "text", errors.New("text does not match the de-identified hash"))
	}
	if t.keys == nil {
		return "", phierr.KeyManagement("transform.reverse", "reversal_key_id", errors.New("no key service configured"))
	}
	key, err := t.keys.Key(ctx, record.ReversalKeyID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	payload, err := t.keys.Decrypt(ctx, key, record.ReversalEnvelope)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var items []reversalItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return "", phierr.Validation("transform.reverse", "reversal_envelope", err)
	}

	// Right to left keeps earlier output offsets valid.
	sort.Slice(items, func(i, j int) bool { return items[i].Start > items[j].Start })
	restored := text
	for _, it := range items {
		if it.Start < 0 || it.End > len(restored) || it.Start > it.End {
			return "", phierr.Validation("transform.reverse", "reversal_envelope", errors.New("sealed range out of bounds"))
		}
		restored = restored[:it.Start] + it.Original + restored[it.End:]
	}
	if phi.HashContent(restored) != record.OriginalHash {
		return "", phierr.Validation("transform.reverse", "reversal_envelope", errors.New("restored text does not match the original hash"))
	}
	t.logger.Info("de-identification reversed", "scan_id", record.ScanID, "principal", principal.ID)
	return restored, nil
}

// Select resolves overlapping findings. Findings that overlap, directly or
// through a chain, form one group rewritten as a single span covering all
// of them, under the rule of the strongest member: higher confidence, then
// the longer span, then the lower info type id. No byte of a detected value
// survives because a stronger neighbour won. The result is sorted by start
// and does not depend on input order.
func Select(text string, findings []phi.Finding) ([]phi.Finding, error) {
	candidates := make([]phi.Finding, 0, len(findings))
	for _, f := range findings {
		if f.Span.Start < 0 || f.Span.End > len(text) || f.Span.Start >= f.Span.End {
			return nil, phierr.Validationf("transform.select", "findings", "finding %s span [%d,%d) outside text", f.ID, f.Span.Start, f.Span.End)
		}
		if f.Quote != "" && text[f.Span.Start:f.Span.End] != f.Quote {
			return nil, phierr.Validationf("transform.select", "findings", "finding %s does not match the text", f.ID)
		}
		candidates = append(candidates, f)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Span.Start != candidates[j].Span.Start {
			return candidates[i].Span.Start < candidates[j].Span.Start
		}
		return stronger(candidates[i], candidates[j])
	})

	var kept []phi.Finding
	for i := 0; i < len(candidates); {
		best, head, tail := candidates[i], candidates[i].Span, candidates[i].Span
		j := i + 1
		for ; j < len(candidates) && candidates[j].Span.Start < tail.End; j++ {
			c := candidates[j]
			if stronger(c, best) {
				best = c
			}
			if c.Span.End > tail.End {
				tail = c.Span
			}
		}
		if head.Start != best.Span.Start || tail.End != best.Span.End {
			best.Span = phi.Span{
				Start:     head.Start,
				End:       tail.End,
				RuneStart: head.RuneStart,
				RuneEnd:   tail.RuneEnd,
				Line:      head.Line,
				Column:    head.Column,
			}
			if best.Quote != "" {
				best.Quote = text[head.Start:tail.End]
			}
		}
		kept = append(kept, best)
		i = j
	}
	return kept, nil
}

// stronger orders findings competing for the same bytes.
func stronger(a, b phi.Finding) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Span.Len() != b.Span.Len() {
		return a.Span.Len() > b.Span.Len()
	}
	if a.InfoType != b.InfoType {
		return a.InfoType < b.InfoType
	}
	return a.Span.Start < b.Span.Start
}
