package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// S3API is the subset of the S3 client used by Archive.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ManifestEntry is one line of the yearly report manifest.
type ManifestEntry struct {
	S3Key          string  `json:"s3_key"`
	Period         string  `json:"period"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	TotalScans     int     `json:"total_scans"`
	HighRiskScans  int     `json:"high_risk_scans"`
	ComplianceRate float64 `json:"compliance_rate"`
	ArchivedAt     string  `json:"archived_at"`
}

// Archive stores generated reports in S3. Reports hold aggregates only.
type Archive struct {
	bucket   string
	s3Client S3API
	logger   *logging.Logger
}

// NewArchive creates an Archive. If bucket is empty, all operations are no-ops.
func NewArchive(s3Client S3API, bucket string, logger *logging.Logger) *Archive {
	if logger == nil {
		logger = logging.Default()
	}
	return &Archive{bucket: bucket, s3Client: s3Client, logger: logger}
}

// Enabled returns true if archival is configured (bucket is set).
func (a *Archive) Enabled() bool {
	return a != nil && a.bucket != "" && a.s3Client != nil
}

// ReportKey is the object key of a report.
func ReportKey(p Period) string {
	from := p.From.UTC()
	return fmt.Sprintf("reports/v1/%d/%02d/%s-%s.json", from.Year(), from.Month(), p.Name, from.Format("2006-01-02"))
}

// Put writes the report and appends it to the manifest. It returns the
// object key, or "" when archival is disabled.
func (a *Archive) Put(ctx context.Context, report *ComplianceReport) (string, error) {
	if !a.Enabled() {
		return "", nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("reporting: marshal report: %w", err)
	}

	key := ReportKey(report.Period)
	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("reporting: s3 put %s: %w", key, err)
	}
	a.logger.Info("archived compliance report", "s3_key", key, "total_scans", report.TotalScans)

	archivedAt := report.GeneratedAt
	if archivedAt.IsZero() {
		archivedAt = time.Now().UTC()
	}
	entry := ManifestEntry{
		S3Key:          key,
		Period:         report.Period.Name,
		From:           report.Period.From.Format(time.RFC3339),
		To:             report.Period.To.Format(time.RFC3339),
		TotalScans:     report.TotalScans,
		HighRiskScans:  report.HighRiskScans,
		ComplianceRate: report.ComplianceRate,
		ArchivedAt:     archivedAt.Format(time.RFC3339),
	}
	if err := a.appendManifest(ctx, report.Period.From.UTC().Year(), entry); err != nil {
		// The report itself is stored; a missing manifest line is recoverable.
		a.logger.Warn("failed to append report manifest", "error", err, "s3_key", key)
	}
	return key, nil
}

// Get reads an archived report.
func (a *Archive) Get(ctx context.Context, key string) (*ComplianceReport, error) {
	if !a.Enabled() {
		return nil, errors.New("reporting: archive disabled")
	}
	out, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("reporting: s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	var report ComplianceReport
	if err := json.NewDecoder(out.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("reporting: decode %s: %w", key, err)
	}
	return &report, nil
}

// appendManifest rewrites the yearly JSONL manifest with one more line;
// S3 has no append.
func (a *Archive) appendManifest(ctx context.Context, year int, entry ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("reporting: marshal manifest entry: %w", err)
	}
	manifestKey := fmt.Sprintf("reports/v1/manifests/%d.jsonl", year)

	var existing []byte
	getResp, err := a.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("reporting: read manifest: %w", err)
		}
	case isNotFound(err):
		a.logger.Debug("report manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("reporting: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	_, err = a.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(manifestKey),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("reporting: s3 put manifest: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404")
}
