// Package index maintains a full-text search index over the aggregated tool
// catalog. The index is memory-only and rebuilt whole on every catalog swap;
// queries always run against a complete, consistent snapshot.
package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/backend"
)

// Search modes.
const (
	ModePartial = "partial"
	ModePrefix  = "prefix"
	ModeExact   = "exact"
	ModeFuzzy   = "fuzzy"
)

// Searchable fields.
const (
	FieldName        = "name"
	FieldDescription = "description"
)

const (
	// nameBoost weighs name hits double relative to description hits.
	nameBoost = 2.0
	// DefaultLimit is the page size when a request leaves limit unset.
	DefaultLimit = 50
)

// toolDocument is the indexed shape of one catalog entry.
type toolDocument struct {
	Name        string `json:"name"`
	NameFolded  string `json:"name_folded"`
	Description string `json:"description"`
	Server      string `json:"server"`
}

// Request is one search over the catalog.
type Request struct {
	Query         string
	Mode          string
	CaseSensitive bool
	// Fields restricts matching to a subset of {name, description}.
	// Empty means both.
	Fields []string
	// Server restricts results to one backend.
	Server string
	Limit  int
	Offset int
}

// Result is one scored hit.
type Result struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Server      string  `json:"server"`
	Score       float64 `json:"score,omitempty"`
}

// Page is one page of results plus the total match count.
type Page struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
}

// Index answers search requests against the most recently swapped-in catalog.
type Index struct {
	logger *zap.Logger

	mu      sync.RWMutex
	idx     bleve.Index
	catalog *backend.Catalog
}

// New creates an empty index. Rebuild must run before the first search
// returns anything.
func New(logger *zap.Logger) *Index {
	return &Index{
		logger:  logger.Named("index"),
		catalog: backend.EmptyCatalog(),
	}
}

func buildMapping() *mapping.IndexMappingImpl {
	toolMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = keyword.Name
	nameField.Store = true
	toolMapping.AddFieldMappingsAt("name", nameField)

	nameFoldedField := bleve.NewTextFieldMapping()
	nameFoldedField.Analyzer = keyword.Name
	nameFoldedField.Store = false
	toolMapping.AddFieldMappingsAt("name_folded", nameFoldedField)

	descriptionField := bleve.NewTextFieldMapping()
	descriptionField.Analyzer = standard.Name
	descriptionField.Store = true
	toolMapping.AddFieldMappingsAt("description", descriptionField)

	serverField := bleve.NewTextFieldMapping()
	serverField.Analyzer = keyword.Name
	serverField.Store = true
	toolMapping.AddFieldMappingsAt("server", serverField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = toolMapping
	return indexMapping
}

// Rebuild indexes the given catalog into a fresh memory index and swaps it in.
// The previous index is closed after the swap.
func (ix *Index) Rebuild(catalog *backend.Catalog) error {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}

	batch := idx.NewBatch()
	for _, qualified := range catalog.Order {
		tool := catalog.Tools[qualified]
		doc := toolDocument{
			Name:        tool.QualifiedName,
			NameFolded:  strings.ToLower(tool.QualifiedName),
			Description: tool.Description,
			Server:      tool.Backend,
		}
		if err := batch.Index(qualified, doc); err != nil {
			_ = idx.Close()
			return fmt.Errorf("index %s: %w", qualified, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		_ = idx.Close()
		return fmt.Errorf("apply batch: %w", err)
	}

	ix.mu.Lock()
	old := ix.idx
	ix.idx = idx
	ix.catalog = catalog
	ix.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	ix.logger.Debug("search index rebuilt", zap.Int("tools", catalog.Len()))
	return nil
}

// Close releases the current index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.idx == nil {
		return nil
	}
	err := ix.idx.Close()
	ix.idx = nil
	return err
}

// DocCount returns the number of indexed tools.
func (ix *Index) DocCount() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.idx == nil {
		return 0
	}
	n, err := ix.idx.DocCount()
	if err != nil {
		return 0
	}
	return n
}

// Search runs one request. An empty query bypasses scoring and pages through
// the catalog in name order, optionally restricted to one server.
func (ix *Index) Search(req Request) (*Page, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	if strings.TrimSpace(req.Query) == "" {
		return ix.listAll(req.Server, limit, offset), nil
	}

	q, err := buildQuery(req)
	if err != nil {
		return nil, err
	}

	searchReq := bleve.NewSearchRequest(q)
	searchReq.Size = limit
	searchReq.From = offset
	searchReq.Fields = []string{"name", "description", "server"}

	ix.mu.RLock()
	idx := ix.idx
	ix.mu.RUnlock()
	if idx == nil {
		return &Page{Results: []Result{}}, nil
	}

	searchResult, err := idx.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	page := &Page{
		Results: make([]Result, 0, len(searchResult.Hits)),
		Total:   int(searchResult.Total),
	}
	for _, hit := range searchResult.Hits {
		page.Results = append(page.Results, Result{
			Name:        stringField(hit.Fields, "name"),
			Description: stringField(hit.Fields, "description"),
			Server:      stringField(hit.Fields, "server"),
			Score:       hit.Score,
		})
	}
	return page, nil
}

// listAll pages the catalog without scoring.
func (ix *Index) listAll(server string, limit, offset int) *Page {
	ix.mu.RLock()
	catalog := ix.catalog
	ix.mu.RUnlock()

	all := make([]Result, 0, catalog.Len())
	for _, qualified := range catalog.Order {
		tool := catalog.Tools[qualified]
		if server != "" && tool.Backend != server {
			continue
		}
		all = append(all, Result{
			Name:        tool.QualifiedName,
			Description: tool.Description,
			Server:      tool.Backend,
		})
	}

	page := &Page{Results: []Result{}, Total: len(all)}
	if offset >= len(all) {
		return page
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page.Results = all[offset:end]
	return page
}

// buildQuery maps a request onto bleve queries: one sub-query per selected
// field, names boosted, combined as a disjunction, then intersected with the
// server restriction when present.
func buildQuery(req Request) (query.Query, error) {
	mode := req.Mode
	if mode == "" {
		mode = ModePartial
	}

	fields := req.Fields
	if len(fields) == 0 {
		fields = []string{FieldName, FieldDescription}
	}

	nameField := "name_folded"
	nameTerm := strings.ToLower(req.Query)
	if req.CaseSensitive {
		nameField = "name"
		nameTerm = req.Query
	}

	var parts []query.Query
	for _, field := range fields {
		switch field {
		case FieldName:
			q, err := nameQuery(mode, nameField, nameTerm)
			if err != nil {
				return nil, err
			}
			parts = append(parts, q)
		case FieldDescription:
			parts = append(parts, descriptionQuery(mode, req.Query))
		default:
			return nil, fmt.Errorf("unknown search field %q", field)
		}
	}

	var combined query.Query = bleve.NewDisjunctionQuery(parts...)
	if req.Server != "" {
		serverQ := bleve.NewTermQuery(req.Server)
		serverQ.SetField("server")
		combined = bleve.NewConjunctionQuery(combined, serverQ)
	}
	return combined, nil
}

func nameQuery(mode, field, term string) (query.Query, error) {
	switch mode {
	case ModeExact:
		q := bleve.NewTermQuery(term)
		q.SetField(field)
		q.SetBoost(nameBoost)
		return q, nil
	case ModePrefix:
		q := bleve.NewPrefixQuery(term)
		q.SetField(field)
		q.SetBoost(nameBoost)
		return q, nil
	case ModePartial:
		q := bleve.NewWildcardQuery("*" + escapeWildcard(term) + "*")
		q.SetField(field)
		q.SetBoost(nameBoost)
		return q, nil
	case ModeFuzzy:
		q := bleve.NewFuzzyQuery(term)
		q.SetField(field)
		q.SetFuzziness(fuzziness(term))
		q.SetBoost(nameBoost)
		return q, nil
	default:
		return nil, fmt.Errorf("unknown search mode %q", mode)
	}
}

// descriptionQuery matches against the standard-analyzed description field,
// which is case-insensitive regardless of the caseSensitive flag.
func descriptionQuery(mode, term string) query.Query {
	switch mode {
	case ModeExact:
		q := bleve.NewMatchPhraseQuery(term)
		q.SetField("description")
		return q
	case ModePrefix:
		q := bleve.NewPrefixQuery(strings.ToLower(term))
		q.SetField("description")
		return q
	case ModeFuzzy:
		q := bleve.NewMatchQuery(term)
		q.SetField("description")
		q.SetFuzziness(fuzziness(term))
		return q
	default: // partial
		q := bleve.NewMatchQuery(term)
		q.SetField("description")
		return q
	}
}

// fuzziness approximates a 0.6 similarity threshold with edit distance:
// short terms tolerate one edit, longer ones two.
func fuzziness(term string) int {
	if len(term) < 5 {
		return 1
	}
	return 2
}

func escapeWildcard(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)
	return r.Replace(s)
}

func stringField(fields map[string]interface{}, name string) string {
	if v, ok := fields[name].(string); ok {
		return v
	}
	return ""
}
