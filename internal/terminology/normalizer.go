// Package terminology maps organism and antibiotic designators — coded
// values or free-text displays — to canonical keys. Resolution order:
// recognized code system, offline alias table, then the optional
// external oracle. Results are cached for the lifetime of the catalog
// snapshot that was live when they were computed.
package terminology

import (
	"context"
	"errors"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/amr-classifier-server/internal/domain"
)

// DefaultCacheSize bounds the normalization cache entry count.
const DefaultCacheSize = 4096

// Normalizer resolves raw designator triples to canonical keys.
// Resolution is pure given a catalog snapshot and the oracle cache, so
// repeated requests normalize identically until the catalog is swapped.
type Normalizer struct {
	logger *logrus.Logger
	oracle Oracle // nil means offline only

	cache *lru.Cache[string, cached]
}

type cached struct {
	key      string
	resolved bool
}

// NewNormalizer creates a normalizer with a bounded LRU cache. oracle
// may be nil.
func NewNormalizer(logger *logrus.Logger, oracle Oracle, cacheSize int) (*Normalizer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cached](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Normalizer{logger: logger, oracle: oracle, cache: cache}, nil
}

// Reset drops the cache. Called when a new catalog snapshot is
// published; cached oracle answers are scoped to a catalog lifetime.
func (n *Normalizer) Reset() {
	n.cache.Purge()
}

// ResolveOrganism maps a designator to a canonical organism key, or the
// Unresolved sentinel when no mapping exists.
func (n *Normalizer) ResolveOrganism(ctx context.Context, ct domain.CodedText) domain.OrganismKey {
	return domain.OrganismKey(n.resolve(ctx, ct, organismTables))
}

// ResolveAntibiotic maps a designator to a canonical antibiotic key, or
// the Unresolved sentinel.
func (n *Normalizer) ResolveAntibiotic(ctx context.Context, ct domain.CodedText) domain.AntibioticKey {
	return domain.AntibioticKey(n.resolve(ctx, ct, antibioticTables))
}

// lookupTables bundles the per-kind offline tables.
type lookupTables struct {
	bySystemCode map[string]map[string]string
	aliases      map[string]string
}

var organismTables = lookupTables{
	bySystemCode: map[string]map[string]string{
		SystemSNOMED: snomedOrganisms,
	},
	aliases: organismAliases,
}

var antibioticTables = lookupTables{
	bySystemCode: map[string]map[string]string{
		SystemATC:    atcAntibiotics,
		SystemRxNorm: atcAntibiotics, // RxNorm feeds carry ATC codes in practice
		SystemLOINC:  loincSusceptibility,
	},
	aliases: antibioticAliases,
}

func (n *Normalizer) resolve(ctx context.Context, ct domain.CodedText, tables lookupTables) string {
	if ct.IsZero() {
		return domain.Unresolved
	}
	cacheKey := ct.System + "|" + ct.Code + "|" + ct.Display
	if hit, ok := n.cache.Get(cacheKey); ok {
		if !hit.resolved {
			return domain.Unresolved
		}
		return hit.key
	}

	key, resolved := n.resolveUncached(ctx, ct, tables)
	n.cache.Add(cacheKey, cached{key: key, resolved: resolved})
	if !resolved {
		return domain.Unresolved
	}
	return key
}

func (n *Normalizer) resolveUncached(ctx context.Context, ct domain.CodedText, tables lookupTables) (string, bool) {
	// 1. Coded value in a recognized system.
	if ct.Code != "" {
		if table, ok := tables.bySystemCode[ct.System]; ok {
			if canonical, ok := table[ct.Code]; ok {
				return canonical, true
			}
		}
	}

	// 2. Normalized display against the offline alias table.
	norm := NormalizeDisplay(ct.Display)
	if norm != "" {
		if canonical, ok := tables.aliases[norm]; ok {
			return canonical, true
		}
	}
	// HL7 feeds put short codes in the code field without a system.
	if ct.Code != "" && ct.System == "" {
		if canonical, ok := tables.aliases[NormalizeDisplay(ct.Code)]; ok {
			return canonical, true
		}
	}

	// 3. External oracle, when configured.
	if n.oracle != nil && ct.Code != "" && ct.System != "" {
		result, err := n.oracle.ValidateCode(ctx, ct.System, ct.Code, ct.Display)
		switch {
		case err == nil && result.Valid && result.CanonicalKey != "":
			return result.CanonicalKey, true
		case err != nil && !errors.Is(err, domain.ErrOracleUnavailable):
			n.logger.WithError(err).WithField("code", ct.String()).Warn("Oracle validation failed")
		case err != nil:
			n.logger.WithError(err).Debug("Oracle unavailable, falling back to offline tables")
		}
	}

	return "", false
}

// qualifiers stripped from displays before alias lookup.
var displayQualifiers = map[string]bool{
	"sp":      true,
	"spp":     true,
	"ss":      true,
	"subsp":   true,
	"group":   true,
	"complex": true,
}

// NormalizeDisplay canonicalizes a free-text designator: trim, lowercase,
// strip punctuation, fold whitespace and drop taxonomic qualifiers.
func NormalizeDisplay(display string) string {
	var b strings.Builder
	b.Grow(len(display))
	for _, r := range strings.ToLower(strings.TrimSpace(display)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '.' || r == ',' || r == '-' || r == '/' || r == '_':
			b.WriteByte(' ')
		}
	}
	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if !displayQualifiers[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}
