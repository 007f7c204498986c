// Package engine is the classification core: normalization, grouping,
// gating, expert-rule evaluation, breakpoint interpretation and conflict
// resolution. The engine is reentrant; every request classifies against
// the catalog snapshot captured at its start.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/audit"
	"github.com/amr-classifier-server/internal/catalog"
	"github.com/amr-classifier-server/internal/domain"
	"github.com/amr-classifier-server/internal/terminology"
)

// DefaultSourceOrder is the breakpoint source preference used when
// neither configuration nor the request names one.
var DefaultSourceOrder = []domain.BreakpointSource{domain.EUCAST, domain.CLSI, domain.LOCAL}

// Config carries the engine's interpretation settings.
type Config struct {
	// SourceOrder is the breakpoint source preference with fallbacks.
	SourceOrder []domain.BreakpointSource
	// ReviewOnConflict disables the catalog's method preference so every
	// method disagreement becomes REQUIRES_REVIEW.
	ReviewOnConflict bool
}

// Options are per-request overrides.
type Options struct {
	// SourceOrder overrides the configured source preference.
	SourceOrder []domain.BreakpointSource
	// CorrelationID is propagated unchanged into every audit record.
	CorrelationID string
}

// Engine orchestrates the classification pipeline.
type Engine struct {
	logger     *logrus.Logger
	store      *catalog.Store
	normalizer *terminology.Normalizer
	audit      audit.Sink

	sourceOrder      []domain.BreakpointSource
	reviewOnConflict bool
}

// New creates an engine. The audit sink may be nil when no collaborator
// is wired.
func New(
	logger *logrus.Logger,
	store *catalog.Store,
	normalizer *terminology.Normalizer,
	sink audit.Sink,
	cfg Config,
) *Engine {
	order := cfg.SourceOrder
	if len(order) == 0 {
		order = DefaultSourceOrder
	}
	return &Engine{
		logger:           logger,
		store:            store,
		normalizer:       normalizer,
		audit:            sink,
		sourceOrder:      order,
		reviewOnConflict: cfg.ReviewOnConflict,
	}
}

// Classify runs the full pipeline over one request's inputs. Results
// come back in grouped-input order, one per classifiable input. The only
// error returned is context cancellation; per-input failures become
// REQUIRES_REVIEW results.
func (e *Engine) Classify(ctx context.Context, inputs []*domain.ClassificationInput, opts Options) ([]*domain.ClassificationResult, error) {
	cat := e.store.Current()
	sourceOrder := opts.SourceOrder
	if len(sourceOrder) == 0 {
		sourceOrder = e.sourceOrder
	}

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.normalize(ctx, in)
	}

	grouped := Group(inputs)
	entries := make([]resultEntry, 0, len(grouped))
	for _, in := range grouped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = append(entries, e.classifyOne(cat, in, sourceOrder))
	}

	e.inferInducibleClinda(entries)

	policy := cat.Policy.Conflict
	if e.reviewOnConflict {
		policy.PreferMethod = ""
	}
	results := resolveConflicts(policy, entries)

	e.emitAudit(opts.CorrelationID, cat.Version, results)
	return results, nil
}

// normalize fills the canonical keys on one input. Adapters never
// resolve terminology, so this is the single place designators become
// keys.
func (e *Engine) normalize(ctx context.Context, in *domain.ClassificationInput) {
	if in.OrganismKey == "" && !in.Organism.IsZero() {
		in.OrganismKey = e.normalizer.ResolveOrganism(ctx, in.Organism)
	}
	if in.AntibioticKey == "" && !in.Antibiotic.IsZero() {
		in.AntibioticKey = e.normalizer.ResolveAntibiotic(ctx, in.Antibiotic)
	}
}

// classifyOne runs gating, expert rules and breakpoint interpretation
// for a single grouped input.
func (e *Engine) classifyOne(cat *catalog.Catalog, in *domain.ClassificationInput, sourceOrder []domain.BreakpointSource) resultEntry {
	res := &domain.ClassificationResult{
		SpecimenID:  in.SpecimenID,
		Organism:    designatorLabel(string(in.OrganismKey), in.Organism),
		Antibiotic:  designatorLabel(string(in.AntibioticKey), in.Antibiotic),
		Method:      in.Method,
		Input:       in,
		RuleVersion: cat.Version,
	}

	if reasons := gate(in); len(reasons) > 0 {
		res.Decision = domain.REQUIRES_REVIEW
		res.Reason = strings.Join(reasons, "; ")
		return resultEntry{res: res}
	}

	o := e.evaluate(cat, in, sourceOrder)
	res.Decision = o.decision
	res.Reason = o.reason + describeSuppressed(o.suppressed)
	res.FiredRules = o.fired
	return resultEntry{res: res, fromExpert: o.fromExpert}
}

// evaluate runs the override stages and falls through to breakpoint
// interpretation. An internal evaluation panic never aborts the request;
// the input degrades to REQUIRES_REVIEW citing a generated error id.
func (e *Engine) evaluate(cat *catalog.Catalog, in *domain.ClassificationInput, sourceOrder []domain.BreakpointSource) (o *outcome) {
	defer func() {
		if r := recover(); r != nil {
			errID := uuid.NewString()
			e.logger.WithFields(logrus.Fields{
				"error_id":   errID,
				"organism":   in.OrganismKey,
				"antibiotic": in.AntibioticKey,
				"panic":      r,
			}).Error("Rule evaluation failed")
			o = &outcome{
				decision: domain.REQUIRES_REVIEW,
				reason:   fmt.Sprintf("internal rule evaluation error %s", errID),
			}
		}
	}()

	if expert := evaluateExpert(cat, in); expert != nil {
		return expert
	}
	return interpretBreakpoint(cat, in, sourceOrder)
}

// inferInducibleClinda is the post-classification D-test inference: a
// staphylococcal isolate that is erythromycin resistant while the
// clindamycin measurement reads susceptible gets its clindamycin result
// forced to R.
func (e *Engine) inferInducibleClinda(entries []resultEntry) {
	type isolate struct {
		eryResistant bool
		clinda       []*resultEntry
	}
	isolates := make(map[string]*isolate)
	at := func(r *domain.ClassificationResult) *isolate {
		k := r.SpecimenID + "|" + string(r.Input.OrganismKey)
		if isolates[k] == nil {
			isolates[k] = &isolate{}
		}
		return isolates[k]
	}

	// Matching runs on the canonical keys, not the result labels, so an
	// alias-designated organism still pairs its erythromycin and
	// clindamycin measurements.
	for i := range entries {
		res := entries[i].res
		if res.Input.OrganismKey.Genus() != "Staphylococcus" {
			continue
		}
		switch res.Input.AntibioticKey {
		case "Erythromycin":
			if res.Decision == domain.R || res.Decision == domain.RR {
				at(res).eryResistant = true
			}
		case "Clindamycin":
			if res.Decision == domain.S && !entries[i].fromExpert {
				iso := at(res)
				iso.clinda = append(iso.clinda, &entries[i])
			}
		}
	}

	for _, iso := range isolates {
		if !iso.eryResistant {
			continue
		}
		for _, entry := range iso.clinda {
			entry.res.Decision = domain.R
			entry.res.Reason = "inducible clindamycin resistance (D-test): erythromycin resistant with clindamycin susceptible"
			entry.res.FiredRules = []string{RuleInducibleClinda}
			entry.fromExpert = true
		}
	}
}

// emitAudit hands one record per result to the sink. Fire and forget;
// delivery belongs to the collaborator.
func (e *Engine) emitAudit(correlationID, version string, results []*domain.ClassificationResult) {
	if e.audit == nil {
		return
	}
	now := time.Now().UTC()
	for _, res := range results {
		e.audit.Emit(domain.AuditRecord{
			CorrelationID:  correlationID,
			SpecimenID:     res.SpecimenID,
			Organism:       res.Organism,
			Antibiotic:     res.Antibiotic,
			Method:         res.Method,
			Decision:       res.Decision,
			FiredRules:     res.FiredRules,
			CatalogVersion: version,
			Timestamp:      now,
		})
	}
}

// designatorLabel picks the canonical key when resolved, otherwise the
// raw designator, so unresolved inputs stay identifiable in results.
func designatorLabel(key string, raw domain.CodedText) string {
	if key != "" && key != domain.Unresolved {
		return key
	}
	if raw.Display != "" {
		return raw.Display
	}
	return raw.Code
}
