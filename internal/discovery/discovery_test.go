package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRegistry serves a canned npm search response and records the queries it
// receives.
func fakeRegistry(t *testing.T, body string) (*httptest.Server, *[]string) {
	t.Helper()
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/-/v1/search", r.URL.Path)
		queries = append(queries, r.URL.Query().Get("text"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &queries
}

func hitJSON(name, version, description string, popularity float64, keywords ...string) string {
	kw := "[]"
	if len(keywords) > 0 {
		kw = `["` + keywords[0] + `"`
		for _, k := range keywords[1:] {
			kw += `,"` + k + `"`
		}
		kw += "]"
	}
	return fmt.Sprintf(`{"package":{"name":"%s","version":"%s","description":"%s","keywords":%s},"score":{"detail":{"popularity":%g}}}`,
		name, version, description, kw, popularity)
}

func TestSearchRanksCandidates(t *testing.T) {
	t.Parallel()
	body := fmt.Sprintf(`{"objects":[%s,%s,%s]}`,
		hitJSON("left-pad", "1.3.0", "pads strings", 0.9),
		hitJSON("mcp-weather", "2.1.0", "weather data MCP server", 0.5, "mcp", "weather"),
		hitJSON("weather-utils", "0.3.0", "utilities", 0.1, "weather"),
	)
	srv, queries := fakeRegistry(t, body)

	d := New([]string{srv.URL}, zap.NewNop())
	cands, err := d.Search(context.Background(), "weather", nil)
	require.NoError(t, err)
	require.Len(t, cands, 3)

	// The MCP weather server should dominate: name + keyword + description +
	// mcp marker. The unrelated popular package ranks last on relevance.
	require.Equal(t, "mcp-weather", cands[0].Package)
	require.Equal(t, "2.1.0", cands[0].Version)
	require.Equal(t, "weather-utils", cands[1].Package)
	require.Equal(t, "left-pad", cands[2].Package)
	require.Greater(t, cands[0].Score, cands[1].Score)

	require.Equal(t, []string{"mcp server weather"}, *queries)
}

func TestSearchMergesEndpointsKeepingBestScore(t *testing.T) {
	t.Parallel()
	// Both endpoints return the same package; the second adds the keyword
	// that raises its score.
	srvA, _ := fakeRegistry(t, fmt.Sprintf(`{"objects":[%s]}`,
		hitJSON("mcp-blockchain", "1.0.0", "", 0.2)))
	srvB, _ := fakeRegistry(t, fmt.Sprintf(`{"objects":[%s]}`,
		hitJSON("mcp-blockchain", "1.0.0", "blockchain MCP server", 0.2, "blockchain", "mcp")))

	d := New([]string{srvA.URL, srvB.URL}, zap.NewNop())
	cands, err := d.Search(context.Background(), "blockchain", nil)
	require.NoError(t, err)
	require.Len(t, cands, 1, "duplicates must merge by package name")

	// The merged entry carries the higher of the two scores.
	best := rank("blockchain", searchHit{
		Name: "mcp-blockchain", Version: "1.0.0",
		Description: "blockchain MCP server",
		Keywords:    []string{"blockchain", "mcp"},
		Popularity:  0.2,
	})
	require.Equal(t, best.Score, cands[0].Score)
}

func TestSearchSurvivesFailingEndpoint(t *testing.T) {
	t.Parallel()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "registry melting", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)
	good, _ := fakeRegistry(t, fmt.Sprintf(`{"objects":[%s]}`,
		hitJSON("mcp-files", "0.9.0", "filesystem MCP server", 0.4, "mcp", "filesystem")))

	d := New([]string{broken.URL, good.URL}, zap.NewNop())
	cands, err := d.Search(context.Background(), "filesystem", nil)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "mcp-files", cands[0].Package)
}

func TestSearchEmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()
	srv, _ := fakeRegistry(t, `{"objects":[]}`)

	d := New([]string{srv.URL}, zap.NewNop())
	cands, err := d.Search(context.Background(), "antigravity", nil)
	require.NoError(t, err)
	require.Empty(t, cands)
}

func TestSearchIncludesHints(t *testing.T) {
	t.Parallel()
	srv, queries := fakeRegistry(t, `{"objects":[]}`)

	d := New([]string{srv.URL}, zap.NewNop())
	_, err := d.Search(context.Background(), "weather", []string{"forecast", "noaa"})
	require.NoError(t, err)
	require.Equal(t, []string{"mcp server weather forecast noaa"}, *queries)
}

func TestRankScoring(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		hit  searchHit
		want float64
	}{
		{
			"exact name with marker",
			searchHit{Name: "weather", Keywords: []string{"mcp"}},
			5 + 2,
		},
		{
			"scoped exact name",
			searchHit{Name: "@acme/weather"},
			5,
		},
		{
			"name contains plus keyword",
			searchHit{Name: "mcp-weather-server", Keywords: []string{"weather"}},
			3 + 2 + 2,
		},
		{
			"description only",
			searchHit{Name: "skyview", Description: "Weather overlays"},
			1,
		},
		{
			"popularity floor",
			searchHit{Name: "unrelated", Popularity: 0.7},
			0.7,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := rank("weather", tt.hit)
			require.InDelta(t, tt.want, got.Score, 1e-9)
			require.NotEmpty(t, got.Rationale)
		})
	}
}

func TestRankOrderIsStable(t *testing.T) {
	t.Parallel()
	a := rank("weather", searchHit{Name: "mcp-weather-a"})
	b := rank("weather", searchHit{Name: "mcp-weather-b"})
	require.Equal(t, a.Score, b.Score, "equal relevance must tie on score")
}
