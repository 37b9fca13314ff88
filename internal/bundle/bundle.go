// Package bundle loads versioned detection configuration: the info type
// catalog, the transformation policy, classifier thresholds and retention
// periods travel together in one YAML document so a scan can always name
// the exact configuration it ran under.
package bundle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wolfman30/phi-deid-engine/internal/classifier"
	"github.com/wolfman30/phi-deid-engine/internal/infotype"
	"github.com/wolfman30/phi-deid-engine/internal/ledger"
	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/internal/transform"
)

// ErrNoApprovedConfig is returned when no approved bundle is available.
var ErrNoApprovedConfig = errors.New("bundle: no approved configuration")

// Status is the review state of a bundle version.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusApproved Status = "approved"
	StatusRetired  Status = "retired"
)

func (s Status) valid() bool {
	switch s {
	case StatusDraft, StatusApproved, StatusRetired:
		return true
	}
	return false
}

// Document is the on-disk form of a bundle.
type Document struct {
	Version         int                     `yaml:"version"`
	Status          Status                  `yaml:"status"`
	ApprovedBy      string                  `yaml:"approved_by,omitempty"`
	CreatedAt       time.Time               `yaml:"created_at,omitempty"`
	Description     string                  `yaml:"description,omitempty"`
	IncludeDefaults bool                    `yaml:"include_defaults"`
	InfoTypes       []infotype.InfoType     `yaml:"info_types,omitempty"`
	Policy          *transform.Policy       `yaml:"policy,omitempty"`
	Classifier      *classifier.Config      `yaml:"classifier,omitempty"`
	Retention       *ledger.RetentionPolicy `yaml:"retention,omitempty"`
}

// Bundle is a compiled, immutable configuration version.
type Bundle struct {
	Version    int
	Status     Status
	ApprovedBy string
	CreatedAt  time.Time
	// Digest is the sha256 of the source document, empty for built-in bundles.
	Digest string

	Registry   *infotype.Registry
	Policy     transform.Policy
	Classifier *classifier.Classifier
	Retention  ledger.RetentionPolicy
}

// Approved reports whether the bundle may serve scans.
func (b *Bundle) Approved() bool {
	return b != nil && b.Status == StatusApproved
}

// Build compiles and validates a document.
func Build(doc Document) (*Bundle, error) {
	if doc.Version <= 0 {
		return nil, phierr.Configurationf("bundle.build", "version", "version must be positive, got %d", doc.Version)
	}
	if doc.Status == "" {
		doc.Status = StatusDraft
	}
	if !doc.Status.valid() {
		return nil, phierr.Configurationf("bundle.build", "status", "unknown status %q", doc.Status)
	}
	if doc.Status == StatusApproved && strings.TrimSpace(doc.ApprovedBy) == "" {
		return nil, phierr.Configuration("bundle.build", "approved_by", errors.New("approved bundle must name its approver"))
	}

	types := doc.InfoTypes
	if doc.IncludeDefaults {
		types = mergeTypes(infotype.DefaultTypes(), doc.InfoTypes)
	}
	registry, err := infotype.NewRegistry(doc.Version, types)
	if err != nil {
		return nil, err
	}

	policy := transform.DefaultPolicy()
	if doc.Policy != nil {
		policy = *doc.Policy
	}
	if policy.Version == 0 {
		policy.Version = doc.Version
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if doc.Policy != nil {
		for id := range policy.Rules {
			if _, ok := registry.Lookup(id); !ok {
				return nil, phierr.Configurationf("bundle.build", "policy.rules."+id, "rule for unknown info type %q", id)
			}
		}
	}

	cfg := classifier.DefaultConfig()
	if doc.Classifier != nil {
		cfg = *doc.Classifier
		if cfg.DefaultWeight == 0 {
			cfg.DefaultWeight = classifier.DefaultConfig().DefaultWeight
		}
	}
	cls, err := classifier.New(cfg, registry.Weights())
	if err != nil {
		return nil, err
	}

	retention := ledger.DefaultRetention()
	if doc.Retention != nil {
		retention = *doc.Retention
	}
	if err := retention.Validate(); err != nil {
		return nil, err
	}

	return &Bundle{
		Version:    doc.Version,
		Status:     doc.Status,
		ApprovedBy: doc.ApprovedBy,
		CreatedAt:  doc.CreatedAt.UTC(),
		Registry:   registry,
		Policy:     policy,
		Classifier: cls,
		Retention:  retention,
	}, nil
}

// Default is the built-in approved bundle: the Quebec clinical catalog with
// the default policy, thresholds and retention.
func Default() *Bundle {
	b, err := Build(Document{Version: 1, Status: StatusApproved, ApprovedBy: "builtin", IncludeDefaults: true})
	if err != nil {
		panic(fmt.Sprintf("bundle: default bundle invalid: %v", err))
	}
	return b
}

// Parse decodes every YAML document in data. Versions must be unique.
func Parse(data []byte) ([]*Bundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var out []*Bundle
	seen := make(map[int]bool)
	for {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, phierr.Configuration("bundle.parse", "document", fmt.Errorf("decode yaml: %w", err))
		}
		b, err := Build(doc)
		if err != nil {
			return nil, err
		}
		if seen[b.Version] {
			return nil, phierr.Configurationf("bundle.parse", "version", "version %d declared twice", b.Version)
		}
		seen[b.Version] = true
		b.Digest = digest(data)
		out = append(out, b)
	}
	if len(out) == 0 {
		return nil, phierr.Configuration("bundle.parse", "document", errors.New("no bundle documents"))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// LoadFile parses the bundles stored at path.
func LoadFile(path string) ([]*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, phierr.Configuration("bundle.load", "path", fmt.Errorf("read %s: %w", path, err))
	}
	return Parse(data)
}

// Latest returns the highest approved version.
func Latest(bundles []*Bundle) (*Bundle, error) {
	var best *Bundle
	for _, b := range bundles {
		if b.Approved() && (best == nil || b.Version > best.Version) {
			best = b
		}
	}
	if best == nil {
		return nil, phierr.Configuration("config.active", "status", ErrNoApprovedConfig)
	}
	return best, nil
}

// mergeTypes overlays custom types on the defaults by id.
func mergeTypes(base, custom []infotype.InfoType) []infotype.InfoType {
	out := append([]infotype.InfoType(nil), base...)
	index := make(map[string]int, len(out))
	for i, it := range out {
		index[it.ID] = i
	}
	for _, it := range custom {
		if i, ok := index[it.ID]; ok {
			out[i] = it
			continue
		}
		index[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
