package billing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/turnstile/pkg/observability"
)

// Pricebook is a file-defined plan catalog. It seeds the database at boot
// and can be re-applied on change; applying is an upsert per plan, so plans
// removed from the file stay in the catalog until deactivated explicitly.
type Pricebook struct {
	Plans []PricebookPlan `yaml:"plans"`
}

// PricebookPlan is one plan entry. Omitted active defaults to true and an
// omitted interval to monthly.
type PricebookPlan struct {
	Code             string           `yaml:"code"`
	Name             string           `yaml:"name"`
	ProcessorPriceID string           `yaml:"processor_price_id"`
	AmountCents      int64            `yaml:"amount_cents"`
	Currency         string           `yaml:"currency"`
	Interval         string           `yaml:"interval"`
	IntervalCount    int              `yaml:"interval_count"`
	TrialDays        int              `yaml:"trial_days"`
	Features         map[string]bool  `yaml:"features"`
	Limits           map[string]int64 `yaml:"limits"`
	Active           *bool            `yaml:"active"`
}

// Plan converts the entry to a catalog plan.
func (p *PricebookPlan) Plan() *Plan {
	interval := BillingInterval(p.Interval)
	if p.Interval == "" {
		interval = IntervalMonth
	}
	active := true
	if p.Active != nil {
		active = *p.Active
	}
	return &Plan{
		Code:             p.Code,
		Name:             p.Name,
		ProcessorPriceID: p.ProcessorPriceID,
		AmountCents:      p.AmountCents,
		Currency:         p.Currency,
		Interval:         interval,
		IntervalCount:    p.IntervalCount,
		TrialDays:        p.TrialDays,
		Features:         p.Features,
		Limits:           p.Limits,
		Active:           active,
	}
}

// LoadPricebook reads and parses a pricebook file.
func LoadPricebook(path string) (*Pricebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricebook: %w", err)
	}
	return ParsePricebook(data)
}

// ParsePricebook parses pricebook YAML and rejects duplicate plan codes.
func ParsePricebook(data []byte) (*Pricebook, error) {
	var pb Pricebook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse pricebook: %w", err)
	}

	seen := make(map[string]bool, len(pb.Plans))
	for i := range pb.Plans {
		code := pb.Plans[i].Code
		if code == "" {
			return nil, &ValidationError{Field: "code", Reason: fmt.Sprintf("plan entry %d has no code", i)}
		}
		if seen[code] {
			return nil, &ValidationError{Field: "code", Reason: fmt.Sprintf("plan %q appears more than once", code)}
		}
		seen[code] = true
	}
	return &pb, nil
}

// Apply upserts every plan into the catalog and returns how many were
// applied. A plan refused because a live subscription pins its billing
// fields is logged and skipped; the rest of the file still applies. Any
// other failure aborts.
func (pb *Pricebook) Apply(ctx context.Context, catalog PlanCatalog, logger *observability.Logger) (int, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	applied := 0
	for i := range pb.Plans {
		plan := pb.Plans[i].Plan()
		if _, err := catalog.UpsertPlan(ctx, plan); err != nil {
			if IsConflict(err) {
				logger.WithFields(map[string]interface{}{
					"plan_code": plan.Code,
				}).WithError(err).Warn("pricebook change refused; plan kept as-is")
				continue
			}
			return applied, fmt.Errorf("failed to apply pricebook plan %q: %w", plan.Code, err)
		}
		applied++
	}
	return applied, nil
}

// WatchPricebook re-applies the pricebook whenever the file changes. It
// watches the file's directory so atomic save-and-rename writes are seen.
// Reload failures are logged and the watch continues; the previous catalog
// contents stay in effect. Returns when ctx is done.
func WatchPricebook(ctx context.Context, path string, catalog PlanCatalog, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create pricebook watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch pricebook directory: %w", err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pb, err := LoadPricebook(path)
			if err != nil {
				logger.WithError(err).Error("failed to reload pricebook")
				continue
			}
			applied, err := pb.Apply(ctx, catalog, logger)
			if err != nil {
				logger.WithError(err).Error("failed to apply reloaded pricebook")
				continue
			}
			logger.WithFields(map[string]interface{}{
				"path":  path,
				"plans": applied,
			}).Info("pricebook reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("pricebook watcher error")
		}
	}
}
