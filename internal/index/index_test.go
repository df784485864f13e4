package index

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/search-mcp/search-mcp-go/internal/backend"
)

func testCatalog(tools map[string]string) *backend.Catalog {
	cat := &backend.Catalog{Tools: make(map[string]*backend.Tool)}
	for qualified, description := range tools {
		server, raw, _ := backend.SplitQualified(qualified)
		cat.Tools[qualified] = &backend.Tool{
			QualifiedName: qualified,
			Backend:       server,
			RawName:       raw,
			Description:   description,
		}
		cat.Order = append(cat.Order, qualified)
	}
	sort.Strings(cat.Order)
	return cat
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix := New(zap.NewNop())
	t.Cleanup(func() { _ = ix.Close() })

	require.NoError(t, ix.Rebuild(testCatalog(map[string]string{
		"fs.read_file":   "Read a file from disk",
		"fs.write_file":  "Write content to a file on disk",
		"fs.copy":        "Copy a file to a new location",
		"notes.create":   "Create a note and copy it to the archive",
		"notes.search":   "Search notes by keyword",
		"weather.lookup": "Look up the current forecast",
	})))
	return ix
}

func names(page *Page) []string {
	out := make([]string, 0, len(page.Results))
	for _, r := range page.Results {
		out = append(out, r.Name)
	}
	return out
}

func TestEmptyQueryListsCatalogPaginated(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, 6, page.Total)
	assert.Equal(t, []string{"fs.copy", "fs.read_file", "fs.write_file", "notes.create"}, names(page))
	for _, r := range page.Results {
		assert.Zero(t, r.Score)
	}

	page, err = ix.Search(Request{Limit: 4, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.search", "weather.lookup"}, names(page))

	page, err = ix.Search(Request{Limit: 4, Offset: 100})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.Equal(t, 6, page.Total)
}

func TestEmptyQueryServerRestriction(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Server: "fs"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fs.copy", "fs.read_file", "fs.write_file"}, names(page))
	assert.Equal(t, 3, page.Total)
}

func TestExactMode(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Query: "fs.read_file", Mode: ModeExact})
	require.NoError(t, err)
	assert.Contains(t, names(page), "fs.read_file")
	assert.NotContains(t, names(page), "fs.write_file")
}

func TestExactModeCaseSensitivity(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{
		Query: "FS.READ_FILE", Mode: ModeExact, Fields: []string{FieldName},
	})
	require.NoError(t, err)
	assert.Contains(t, names(page), "fs.read_file")

	page, err = ix.Search(Request{
		Query: "FS.READ_FILE", Mode: ModeExact, CaseSensitive: true,
		Fields: []string{FieldName},
	})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
}

func TestPrefixMode(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Query: "fs.", Mode: ModePrefix, Fields: []string{FieldName}})
	require.NoError(t, err)
	got := names(page)
	sort.Strings(got)
	assert.Equal(t, []string{"fs.copy", "fs.read_file", "fs.write_file"}, got)
}

func TestPartialMode(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Query: "read", Mode: ModePartial})
	require.NoError(t, err)
	assert.Contains(t, names(page), "fs.read_file")
}

func TestPartialModeNameWeighsDouble(t *testing.T) {
	ix := newTestIndex(t)

	// fs.copy matches in both name and description, notes.create only in its
	// description, so fs.copy must rank first.
	page, err := ix.Search(Request{Query: "copy", Mode: ModePartial})
	require.NoError(t, err)
	require.NotEmpty(t, page.Results)
	assert.Equal(t, "fs.copy", page.Results[0].Name)
	assert.Contains(t, names(page), "notes.create")
}

func TestFuzzyMode(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Query: "serch", Mode: ModeFuzzy})
	require.NoError(t, err)
	assert.Contains(t, names(page), "notes.search")
}

func TestServerRestrictionWithQuery(t *testing.T) {
	ix := newTestIndex(t)

	page, err := ix.Search(Request{Query: "file", Mode: ModePartial, Server: "fs"})
	require.NoError(t, err)
	require.NotEmpty(t, page.Results)
	for _, r := range page.Results {
		assert.Equal(t, "fs", r.Server)
	}
}

func TestUnknownModeAndField(t *testing.T) {
	ix := newTestIndex(t)

	_, err := ix.Search(Request{Query: "x", Mode: "regex"})
	assert.Error(t, err)

	_, err = ix.Search(Request{Query: "x", Fields: []string{"schema"}})
	assert.Error(t, err)
}

func TestRebuildSwapsWholeCatalog(t *testing.T) {
	ix := newTestIndex(t)
	require.EqualValues(t, 6, ix.DocCount())

	require.NoError(t, ix.Rebuild(testCatalog(map[string]string{
		"solo.only": "The only remaining tool",
	})))
	assert.EqualValues(t, 1, ix.DocCount())

	page, err := ix.Search(Request{Query: "read", Mode: ModePartial})
	require.NoError(t, err)
	assert.Empty(t, page.Results)

	page, err = ix.Search(Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"solo.only"}, names(page))
}

func TestSearchBeforeRebuildIsEmpty(t *testing.T) {
	ix := New(zap.NewNop())
	t.Cleanup(func() { _ = ix.Close() })

	page, err := ix.Search(Request{Query: "anything"})
	require.NoError(t, err)
	assert.Empty(t, page.Results)

	page, err = ix.Search(Request{})
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.Zero(t, ix.DocCount())
}
