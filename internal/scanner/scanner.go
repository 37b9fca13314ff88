// Package scanner runs compiled InfoType detectors over free text and
// returns located findings.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/phi-deid-engine/internal/infotype"
	"github.com/wolfman30/phi-deid-engine/internal/phi"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

var scannerTracer = otel.Tracer("phideid.internal.scanner")

// findingNamespace scopes deterministic finding ids.
var findingNamespace = uuid.MustParse("6f1c5e0a-3b0e-5d7c-9a53-0e6f5b4f2a10")

const defaultMaxContentBytes = 1 << 20

// Options tune a Scanner.
type Options struct {
	// Parallelism bounds concurrent detectors; <= 0 means one per detector.
	Parallelism     int
	MaxContentBytes int
	// MinLikelihood drops weaker candidates. Defaults to POSSIBLE.
	MinLikelihood phi.Likelihood
}

// Scanner is safe for concurrent use.
type Scanner struct {
	opts   Options
	logger *logging.Logger
}

// New applies defaults to opts.
func New(opts Options, logger *logging.Logger) *Scanner {
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = defaultMaxContentBytes
	}
	if !opts.MinLikelihood.Valid() {
		opts.MinLikelihood = phi.Possible
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Scanner{opts: opts, logger: logger}
}

// Scan runs every detector over text. Findings come back sorted by start
// ascending, end descending, then info type. On cancellation nothing is
// returned.
func (s *Scanner) Scan(ctx context.Context, scanID, text string, detectors []*infotype.Detector) ([]phi.Finding, error) {
	return s.ScanExcluding(ctx, scanID, text, detectors, nil)
}

// ScanExcluding is Scan but suppresses findings lying entirely inside one of
// the excluded ranges.
func (s *Scanner) ScanExcluding(ctx context.Context, scanID, text string, detectors []*infotype.Detector, exclusions []phi.Span) ([]phi.Finding, error) {
	ctx, span := scannerTracer.Start(ctx, "scanner.scan", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("phideid.scan_id", scanID),
		attribute.Int("phideid.detector_count", len(detectors)),
		attribute.Int("phideid.content_bytes", len(text)),
	)

	if err := s.validate(scanID, text, detectors); err != nil {
		span.RecordError(err)
		return nil, err
	}

	perDetector := make([][]infotype.Candidate, len(detectors))
	g, gctx := errgroup.WithContext(ctx)
	if s.opts.Parallelism > 0 {
		g.SetLimit(s.opts.Parallelism)
	}
	for i, det := range detectors {
		i, det := i, det
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perDetector[i] = det.Detect(text)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scanner: scan %s: %w", scanID, err)
	}
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("scanner: scan %s: %w", scanID, err)
	}

	var findings []phi.Finding
	for i, det := range detectors {
		it := det.Type
		for _, c := range perDetector[i] {
			if !c.Likelihood.AtLeast(s.opts.MinLikelihood) {
				continue
			}
			if excluded(c.Start, c.End, exclusions) {
				continue
			}
			findings = append(findings, phi.Finding{
				ID:             FindingID(scanID, it.ID, c.Start, c.End),
				ScanID:         scanID,
				InfoType:       it.ID,
				Category:       it.Category,
				Likelihood:     c.Likelihood,
				Confidence:     c.Likelihood.Confidence(),
				Span:           phi.Span{Start: c.Start, End: c.End},
				QuebecSpecific: it.QuebecSpecific,
				Jurisdiction:   it.JurisdictionKey(),
				Quote:          text[c.Start:c.End],
			})
		}
	}
	SortFindings(findings)
	locate(text, findings)

	span.SetAttributes(attribute.Int("phideid.finding_count", len(findings)))
	s.logger.Debug("scan complete", "scan_id", scanID, "detectors", len(detectors), "findings", len(findings))
	return findings, nil
}

func (s *Scanner) validate(scanID, text string, detectors []*infotype.Detector) error {
	if strings.TrimSpace(scanID) == "" {
		return phierr.Validation("scanner.scan", "scan_id", errors.New("scan id is required"))
	}
	if strings.TrimSpace(text) == "" {
		return phierr.Validation("scanner.scan", "content", errors.New("content is empty"))
	}
	if len(text) > s.opts.MaxContentBytes {
		return phierr.Validationf("scanner.scan", "content", "content is %d bytes, limit is %d", len(text), s.opts.MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return phierr.Validation("scanner.scan", "content", errors.New("content is not valid UTF-8"))
	}
	if len(detectors) == 0 {
		return phierr.Configuration("scanner.scan", "detectors", errors.New("no detectors configured"))
	}
	return nil
}

// FindingID derives a stable id from the scan and the located span.
func FindingID(scanID, infoType string, start, end int) string {
	key := fmt.Sprintf("%s|%s|%d|%d", scanID, infoType, start, end)
	return uuid.NewSHA1(findingNamespace, []byte(key)).String()
}

// SortFindings orders findings by start ascending, end descending, then
// info type.
func SortFindings(findings []phi.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i].Span, findings[j].Span
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End > b.End
		}
		return findings[i].InfoType < findings[j].InfoType
	})
}

func excluded(start, end int, ranges []phi.Span) bool {
	for _, r := range ranges {
		if start >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// locate fills rune offsets and 1-based line/column for findings already
// sorted by start.
func locate(text string, findings []phi.Finding) {
	pos, runes, line, lineStartRune := 0, 0, 1, 0
	advance := func(to int) {
		for pos < to {
			r, size := utf8.DecodeRuneInString(text[pos:])
			pos += size
			runes++
			if r == '\n' {
				line++
				lineStartRune = runes
			}
		}
	}
	for i := range findings {
		sp := &findings[i].Span
		advance(sp.Start)
		sp.RuneStart = runes
		sp.Line = line
		sp.Column = runes - lineStartRune + 1
		sp.RuneEnd = runes + utf8.RuneCountInString(text[sp.Start:sp.End])
	}
}
