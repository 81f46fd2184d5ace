// Package change detects drift of a page between harvests by comparing the
// SHA-256 of its HTML with the last stored baseline and producing a line diff.
package change

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"

	"github.com/JakeFAU/goharvest/internal/harvest"
	"github.com/JakeFAU/goharvest/internal/hash/sha256"
	"github.com/JakeFAU/goharvest/internal/metrics"
)

// Baseline is the last observed content of a page.
type Baseline struct {
	Hash      string    `json:"hash"`
	HTML      string    `json:"html"`
	JobID     string    `json:"job_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BaselineStore persists baselines by page key.
type BaselineStore interface {
	Load(ctx context.Context, key string) (Baseline, bool, error)
	Save(ctx context.Context, key string, baseline Baseline) error
}

// Event is published when a page's content changed.
type Event struct {
	JobID        string              `json:"job_id"`
	URL          string              `json:"url"`
	Owner        string              `json:"owner"`
	Hash         string              `json:"hash"`
	PreviousHash string              `json:"previous_hash"`
	Summary      harvest.DiffSummary `json:"summary"`
	CheckedAt    time.Time           `json:"checked_at"`
}

// Detector compares harvests against stored baselines.
type Detector struct {
	store     BaselineStore
	publisher harvest.Publisher
	topic     string
	clock     harvest.Clock
	logger    *zap.Logger
}

// NewDetector wires a Detector. publisher may be nil to disable notifications.
func NewDetector(store BaselineStore, publisher harvest.Publisher, topic string, clock harvest.Clock, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{store: store, publisher: publisher, topic: topic, clock: clock, logger: logger.Named("change")}
}

// Check compares html with the baseline stored for pageURL. It does not
// modify the baseline; see Commit.
func (d *Detector) Check(ctx context.Context, pageURL string, html []byte) (harvest.Snapshot, error) {
	prev, ok, err := d.store.Load(ctx, NormalizeKey(pageURL))
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("load baseline: %w", err)
	}
	var previous *Baseline
	if ok {
		previous = &prev
	}
	return Compare(previous, html, d.now()), nil
}

// Commit records the outcome of a completed harvest: the baseline is
// replaced when there was none or the content changed, and owner is notified
// of a change. snap must come from Check on the same html.
func (d *Detector) Commit(ctx context.Context, pageURL, owner, jobID string, html []byte, snap harvest.Snapshot) error {
	first := snap.PreviousHash == ""
	metrics.ObserveChange(snap.Changed, first)

	if first || snap.Changed {
		baseline := Baseline{Hash: snap.Hash, HTML: string(html), JobID: jobID, UpdatedAt: snap.CheckedAt}
		if err := d.store.Save(ctx, NormalizeKey(pageURL), baseline); err != nil {
			return fmt.Errorf("save baseline: %w", err)
		}
	}

	if snap.Changed && owner != "" && d.publisher != nil {
		event := Event{
			JobID:        jobID,
			URL:          pageURL,
			Owner:        owner,
			Hash:         snap.Hash,
			PreviousHash: snap.PreviousHash,
			Summary:      snap.Summary,
			CheckedAt:    snap.CheckedAt,
		}
		if _, err := d.publisher.Publish(ctx, d.topic, event); err != nil {
			d.logger.Warn("publish change notification", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

func (d *Detector) now() time.Time {
	if d.clock != nil {
		return d.clock.Now()
	}
	return time.Now().UTC()
}

// Compare is the pure comparison of html against an optional previous baseline.
func Compare(previous *Baseline, html []byte, now time.Time) harvest.Snapshot {
	snap := harvest.Snapshot{Hash: sha256.Sum(html), CheckedAt: now}
	if previous == nil {
		return snap
	}
	snap.PreviousHash = previous.Hash
	if previous.Hash == snap.Hash {
		return snap
	}
	snap.Changed = true
	snap.Diff, snap.Summary = Diff(previous.HTML, string(html))
	return snap
}

// Diff returns ordered equal/delete/insert spans between two texts, line by
// line. A replaced region becomes a delete span followed by an insert span.
func Diff(before, after string) ([]harvest.DiffSpan, harvest.DiffSummary) {
	a, b := splitLines(before), splitLines(after)
	matcher := difflib.NewMatcher(a, b)

	var (
		spans   []harvest.DiffSpan
		summary harvest.DiffSummary
	)
	emit := func(op harvest.DiffOp, lines []string) {
		if len(lines) == 0 {
			return
		}
		spans = append(spans, harvest.DiffSpan{Op: op, Text: strings.Join(lines, "\n")})
		switch op {
		case harvest.DiffEqual:
			summary.Equal += len(lines)
		case harvest.DiffInsert:
			summary.Inserted += len(lines)
		case harvest.DiffDelete:
			summary.Deleted += len(lines)
		}
	}
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e':
			emit(harvest.DiffEqual, a[op.I1:op.I2])
		case 'd':
			emit(harvest.DiffDelete, a[op.I1:op.I2])
		case 'i':
			emit(harvest.DiffInsert, b[op.J1:op.J2])
		case 'r':
			emit(harvest.DiffDelete, a[op.I1:op.I2])
			emit(harvest.DiffInsert, b[op.J1:op.J2])
		}
	}
	return spans, summary
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

// NormalizeKey derives the baseline key of a page URL: lowercase scheme and
// host, no fragment, no trailing slash on non-root paths.
func NormalizeKey(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// MemoryStore is an in-process BaselineStore.
type MemoryStore struct {
	mu        sync.RWMutex
	baselines map[string]Baseline
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{baselines: make(map[string]Baseline)}
}

// Load returns the baseline for key.
func (m *MemoryStore) Load(_ context.Context, key string) (Baseline, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.baselines[key]
	return b, ok, nil
}

// Save replaces the baseline for key.
func (m *MemoryStore) Save(_ context.Context, key string, baseline Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[key] = baseline
	return nil
}
