package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/amr-classifier-server/internal/domain"
)

// document is the on-disk shape of one catalog file. A directory is the
// union of its files; every section is optional per file.
type document struct {
	Version           string               `yaml:"version"`
	Breakpoints       []BreakpointEntry    `yaml:"breakpoints"`
	ExpertRules       []ExpertRule         `yaml:"expertRules"`
	Intrinsic         []IntrinsicRule      `yaml:"intrinsicResistance"`
	OrganismGroups    map[string][]string  `yaml:"organismGroups"`
	AntibioticClasses map[string][]string  `yaml:"antibioticClasses"`
	Policy            *Policy              `yaml:"policy"`
}

// Loader parses catalog files and builds immutable Catalog values.
type Loader struct {
	logger *logrus.Logger
	// MaxFileSize bounds individual catalog files; larger files are
	// rejected before parsing.
	MaxFileSize int64

	validate *validator.Validate
}

// DefaultMaxFileSize bounds catalog files at 8 MiB.
const DefaultMaxFileSize = 8 << 20

// NewLoader creates a catalog loader.
func NewLoader(logger *logrus.Logger) *Loader {
	return &Loader{
		logger:      logger,
		MaxFileSize: DefaultMaxFileSize,
		validate:    validator.New(),
	}
}

// Load reads path (a single file or a directory treated as one logical
// catalog), validates the combined document set and returns a new
// immutable Catalog. On failure every violation found is reported; a
// partial catalog is never returned.
func (l *Loader) Load(path string) (*Catalog, error) {
	files, err := l.listFiles(path)
	if err != nil {
		return nil, err
	}

	loadErr := &domain.LoadError{Source: path}
	var docs []parsedDocument
	for _, file := range files {
		doc, ok := l.parseFile(file, loadErr)
		if !ok {
			continue
		}
		docs = append(docs, parsedDocument{name: file, doc: doc})
	}
	return l.build(docs, loadErr, len(files))
}

// LoadBytes validates a single in-memory catalog document without
// touching the published snapshot. Backs the dry-run endpoint.
func (l *Loader) LoadBytes(name string, raw []byte) (*Catalog, error) {
	loadErr := &domain.LoadError{Source: name}
	if int64(len(raw)) > l.MaxFileSize {
		loadErr.Add(domain.VIOLATION_PARSE, name,
			fmt.Sprintf("document size %d exceeds limit %d", len(raw), l.MaxFileSize))
		return nil, loadErr
	}
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		loadErr.Add(domain.VIOLATION_PARSE, name, err.Error())
		return nil, loadErr
	}
	return l.build([]parsedDocument{{name: name, doc: doc}}, loadErr, 1)
}

type parsedDocument struct {
	name string
	doc  document
}

// build merges parsed documents into one logical catalog and validates
// it, collecting every violation before reporting failure.
func (l *Loader) build(docs []parsedDocument, loadErr *domain.LoadError, fileCount int) (*Catalog, error) {
	merged := document{}
	versions := map[string]string{} // version -> first file declaring it

	for _, parsed := range docs {
		doc := parsed.doc
		if doc.Version != "" {
			versions[doc.Version] = parsed.name
		}
		merged.Breakpoints = append(merged.Breakpoints, doc.Breakpoints...)
		merged.ExpertRules = append(merged.ExpertRules, doc.ExpertRules...)
		merged.Intrinsic = append(merged.Intrinsic, doc.Intrinsic...)
		for name, members := range doc.OrganismGroups {
			if merged.OrganismGroups == nil {
				merged.OrganismGroups = map[string][]string{}
			}
			merged.OrganismGroups[name] = append(merged.OrganismGroups[name], members...)
		}
		for name, members := range doc.AntibioticClasses {
			if merged.AntibioticClasses == nil {
				merged.AntibioticClasses = map[string][]string{}
			}
			merged.AntibioticClasses[name] = append(merged.AntibioticClasses[name], members...)
		}
		if doc.Policy != nil {
			merged.Policy = doc.Policy
		}
	}

	if len(versions) > 1 {
		names := make([]string, 0, len(versions))
		for v := range versions {
			names = append(names, v)
		}
		sort.Strings(names)
		loadErr.Add(domain.VIOLATION_SEMANTIC, "version",
			fmt.Sprintf("catalog files disagree on version: %s", strings.Join(names, " vs ")))
	}
	var version string
	for v := range versions {
		version = v
	}
	if version == "" {
		loadErr.Add(domain.VIOLATION_SEMANTIC, "version", "no catalog file declares a version")
	}

	cat := &Catalog{
		Version:     version,
		Breakpoints: merged.Breakpoints,
		ExpertRules: merged.ExpertRules,
		Intrinsic:   merged.Intrinsic,
	}
	if merged.Policy != nil {
		cat.Policy = *merged.Policy
	}
	if cat.Policy.MRSAExceptionHandling == "" {
		cat.Policy.MRSAExceptionHandling = MRSA_EXCEPTION_BREAKPOINT
	}

	l.validateBreakpoints(cat.Breakpoints, loadErr)
	l.validateGroups(merged.OrganismGroups, loadErr)

	cat.classes = make(map[string]map[domain.AntibioticKey]struct{}, len(merged.AntibioticClasses))
	for name, members := range merged.AntibioticClasses {
		set := make(map[domain.AntibioticKey]struct{}, len(members))
		for _, m := range members {
			set[domain.AntibioticKey(m)] = struct{}{}
		}
		cat.classes[name] = set
	}

	l.validateRules(cat, loadErr)

	if !loadErr.HasViolations() {
		loadErr.Violations = append(loadErr.Violations, cat.buildIndexes(merged.OrganismGroups)...)
	}
	if loadErr.HasViolations() {
		return nil, loadErr
	}

	l.logger.WithFields(logrus.Fields{
		"version":     cat.Version,
		"files":       fileCount,
		"breakpoints": len(cat.Breakpoints),
		"expertRules": len(cat.ExpertRules),
		"intrinsic":   len(cat.Intrinsic),
	}).Info("Rule catalog loaded")
	return cat, nil
}

// listFiles resolves path into the ordered set of catalog files.
func (l *Loader) listFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrFileMissing, path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog directory %s: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no catalog files under %s", domain.ErrFileMissing, path)
	}
	sort.Strings(files)
	return files, nil
}

// parseFile reads one catalog file. YAML and JSON are both accepted;
// JSON documents parse as a YAML subset.
func (l *Loader) parseFile(file string, loadErr *domain.LoadError) (document, bool) {
	var doc document
	info, err := os.Stat(file)
	if err != nil {
		loadErr.Add(domain.VIOLATION_PARSE, file, err.Error())
		return doc, false
	}
	if info.Size() > l.MaxFileSize {
		loadErr.Add(domain.VIOLATION_PARSE, file,
			fmt.Sprintf("file size %d exceeds limit %d", info.Size(), l.MaxFileSize))
		return doc, false
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		loadErr.Add(domain.VIOLATION_PARSE, file, err.Error())
		return doc, false
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		loadErr.Add(domain.VIOLATION_PARSE, file, err.Error())
		return doc, false
	}
	return doc, true
}

// validateBreakpoints enforces comparator/method/unit agreement and
// per-source uniqueness.
func (l *Loader) validateBreakpoints(entries []BreakpointEntry, loadErr *domain.LoadError) {
	seen := map[string]int{}
	for i := range entries {
		e := &entries[i]
		path := fmt.Sprintf("breakpoints[%d]", i)

		if err := l.validate.Struct(e); err != nil {
			if verrs, ok := err.(validator.ValidationErrors); ok {
				for _, ve := range verrs {
					loadErr.Add(domain.VIOLATION_SCHEMA, path+"/"+ve.Field(),
						fmt.Sprintf("failed %q validation", ve.Tag()))
				}
			} else {
				loadErr.Add(domain.VIOLATION_SCHEMA, path, err.Error())
			}
			continue
		}
		if e.Scope.IsZero() {
			loadErr.Add(domain.VIOLATION_SCHEMA, path, "entry declares no organism scope")
		}

		switch e.Method {
		case domain.MIC, domain.GRADIENT:
			if e.Unit != MG_PER_L {
				loadErr.Add(domain.VIOLATION_SEMANTIC, path,
					fmt.Sprintf("method %s requires unit MG_PER_L, got %s", e.Method, e.Unit))
			}
			if e.Cmp == INVERSE_FOR_DISC {
				loadErr.Add(domain.VIOLATION_SEMANTIC, path,
					fmt.Sprintf("comparator INVERSE_FOR_DISC is invalid for method %s", e.Method))
			}
		case domain.DISC:
			if e.Unit != MM {
				loadErr.Add(domain.VIOLATION_SEMANTIC, path,
					"method DISC requires unit MM, got "+string(e.Unit))
			}
			if e.Cmp != INVERSE_FOR_DISC {
				loadErr.Add(domain.VIOLATION_SEMANTIC, path,
					"method DISC requires comparator INVERSE_FOR_DISC")
			}
		}

		key := fmt.Sprintf("%s|%s|%s|%s", e.Scope.String(), e.Antibiotic, e.Method, e.Source)
		if prev, dup := seen[key]; dup {
			loadErr.Add(domain.VIOLATION_SEMANTIC, path,
				fmt.Sprintf("duplicate entry for (%s, %s, %s) per source %s, first at breakpoints[%d]",
					e.Scope.String(), e.Antibiotic, e.Method, e.Source, prev))
		} else {
			seen[key] = i
		}
	}
}

// validateGroups checks that nested group references resolve and that
// the definitions are acyclic.
func (l *Loader) validateGroups(groups map[string][]string, loadErr *domain.LoadError) {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}

	var visit func(name string, trail []string)
	visit = func(name string, trail []string) {
		switch state[name] {
		case done:
			return
		case visiting:
			loadErr.Add(domain.VIOLATION_SEMANTIC, "organismGroups/"+name,
				fmt.Sprintf("cyclic group definition: %s", strings.Join(append(trail, name), " -> ")))
			return
		}
		state[name] = visiting
		for _, member := range groups[name] {
			if !strings.HasPrefix(member, GroupRefPrefix) {
				continue
			}
			ref := strings.TrimPrefix(member, GroupRefPrefix)
			if _, ok := groups[ref]; !ok {
				loadErr.Add(domain.VIOLATION_SEMANTIC, "organismGroups/"+name,
					"reference to undefined group "+ref)
				continue
			}
			visit(ref, append(trail, name))
		}
		state[name] = done
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		visit(name, nil)
	}
}

// validateRules checks expert and intrinsic rules against the class map.
func (l *Loader) validateRules(cat *Catalog, loadErr *domain.LoadError) {
	checkClass := func(path, class string) {
		if class == "" {
			return
		}
		members, ok := cat.classes[class]
		if !ok {
			loadErr.Add(domain.VIOLATION_SEMANTIC, path, "reference to undefined antibiotic class "+class)
			return
		}
		if len(members) == 0 {
			loadErr.Add(domain.VIOLATION_SEMANTIC, path, "antibiotic class "+class+" is empty")
		}
	}

	ids := map[string]bool{}
	for i := range cat.ExpertRules {
		r := &cat.ExpertRules[i]
		path := fmt.Sprintf("expertRules[%d]", i)
		if err := l.validate.Struct(r); err != nil {
			loadErr.Add(domain.VIOLATION_SCHEMA, path, err.Error())
			continue
		}
		if ids[r.ID] {
			loadErr.Add(domain.VIOLATION_SEMANTIC, path, "duplicate rule id "+r.ID)
		}
		ids[r.ID] = true
		if !r.Effect.Decision.IsValid() {
			loadErr.Add(domain.VIOLATION_SCHEMA, path+"/effect",
				fmt.Sprintf("invalid decision %q", r.Effect.Decision))
		}
		for _, class := range r.When.Classes {
			checkClass(path+"/when", class)
		}
		checkClass(path+"/effect", r.Effect.AppliesToClass)
	}

	for i := range cat.Intrinsic {
		r := &cat.Intrinsic[i]
		path := fmt.Sprintf("intrinsicResistance[%d]", i)
		if r.ID == "" {
			loadErr.Add(domain.VIOLATION_SCHEMA, path, "intrinsic rule requires an id")
		}
		if r.Scope.IsZero() {
			loadErr.Add(domain.VIOLATION_SCHEMA, path, "intrinsic rule declares no organism scope")
		}
		if len(r.Antibiotics) == 0 && len(r.Classes) == 0 {
			loadErr.Add(domain.VIOLATION_SCHEMA, path, "intrinsic rule names no antibiotics or classes")
		}
		for _, class := range r.Classes {
			checkClass(path, class)
		}
	}

	for _, class := range cat.Policy.ESBLExceptionClasses {
		checkClass("policy/esblExceptionClasses", class)
	}
}
