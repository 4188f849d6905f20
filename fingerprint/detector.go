package fingerprint

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/store"
)

// recurringThreshold is the frequency at which a pattern is reclassified
// from a spike to a recurring error.
const recurringThreshold = 3

// PatternSource is the persistent lookup behind the cache.
type PatternSource interface {
	FindPatternByFingerprint(ctx context.Context, fingerprint string) (*model.Pattern, error)
}

// Detector clusters a signal batch into patterns, merging into known
// patterns when the fingerprint was seen before.
type Detector struct {
	cache  *Cache
	source PatternSource
	now    func() time.Time
}

// NewDetector builds a detector over the cache and the pattern store.
func NewDetector(cache *Cache, source PatternSource) *Detector {
	return &Detector{cache: cache, source: source, now: time.Now}
}

// NewDetectorWithClock builds a detector with an injected clock, for tests.
func NewDetectorWithClock(cache *Cache, source PatternSource, now func() time.Time) *Detector {
	return &Detector{cache: cache, source: source, now: now}
}

// Detect groups the batch by fingerprint and returns one pattern per
// group: either the known pattern updated with the new observations or a
// freshly minted one. Returned patterns are not yet persisted; the caller
// commits them with the stage transition.
func (d *Detector) Detect(ctx context.Context, signals []model.Signal) ([]model.Pattern, error) {
	groups := make(map[string][]model.Signal)
	order := make([]string, 0, len(signals))
	for _, sig := range signals {
		fp := Compute(&sig)
		if _, seen := groups[fp]; !seen {
			order = append(order, fp)
		}
		groups[fp] = append(groups[fp], sig)
	}

	patterns := make([]model.Pattern, 0, len(order))
	for _, fp := range order {
		batch := groups[fp]
		pattern, err := d.lookup(ctx, fp)
		if err != nil {
			return nil, err
		}
		if pattern == nil {
			pattern = &model.Pattern{
				ID:          uuid.New(),
				Type:        model.PatternErrorSpike,
				Fingerprint: fp,
				Confidence:  0.5,
				FirstSeen:   d.now().UTC(),
			}
		}
		d.merge(pattern, batch)
		d.cache.Put(ctx, pattern)
		patterns = append(patterns, *pattern)
	}
	return patterns, nil
}

func (d *Detector) lookup(ctx context.Context, fp string) (*model.Pattern, error) {
	if p := d.cache.Get(ctx, fp); p != nil {
		return p, nil
	}
	p, err := d.source.FindPatternByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, common.NewDependencyError("fingerprint.Detect", "pattern lookup failed", err)
	}
	return p, nil
}

// merge folds the batch into the pattern and reclassifies it: more than
// one merchant makes it cross-merchant, repeated hits make it recurring.
func (d *Detector) merge(p *model.Pattern, batch []model.Signal) {
	merchants := make(map[string]bool, len(p.Merchants))
	for _, m := range p.Merchants {
		merchants[m] = true
	}
	for _, sig := range batch {
		p.SignalIDs = append(p.SignalIDs, sig.ID.String())
		if !merchants[sig.MerchantID] {
			merchants[sig.MerchantID] = true
			p.Merchants = append(p.Merchants, sig.MerchantID)
		}
	}
	p.Frequency += len(batch)
	p.LastSeen = d.now().UTC()

	switch {
	case len(p.Merchants) > 1:
		p.Type = model.PatternCrossMerchant
		p.Confidence = 0.9
	case p.Frequency >= recurringThreshold:
		p.Type = model.PatternRecurring
		p.Confidence = 0.8
	}
}
