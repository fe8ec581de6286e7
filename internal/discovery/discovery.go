// Package discovery finds candidate packages for a missing capability by
// querying package-registry search endpoints. Results from all endpoints are
// merged, deduplicated by package name and ranked by a simple scoring
// function (keyword overlap plus the registry's own popularity signal).
//
// An empty result set is a valid outcome, not an error: the daemon will try
// again on a later tick. The ranking is deliberately replaceable — the only
// contract is a stable total order for a given input.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Candidate is one ranked package that may provide a capability.
type Candidate struct {
	Package   string  `json:"package"`
	Version   string  `json:"version"`
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale"`
}

// searchDeadline bounds one full search across all endpoints.
const searchDeadline = 10 * time.Second

// resultsPerEndpoint is how many raw hits each endpoint is asked for.
const resultsPerEndpoint = 20

// Discovery queries one or more registry search endpoints.
type Discovery struct {
	endpoints []string
	client    *http.Client
	logger    *zap.Logger
}

// New creates a Discovery over the given endpoints (npm-compatible search
// API roots, e.g. "https://registry.npmjs.org").
func New(endpoints []string, logger *zap.Logger) *Discovery {
	return &Discovery{
		endpoints: endpoints,
		client:    &http.Client{Timeout: searchDeadline},
		logger:    logger.Named("discovery"),
	}
}

// Search returns ranked candidates for a capability. Endpoints are queried
// in parallel under a shared deadline; an endpoint failing or timing out
// only loses its own contribution.
func (d *Discovery) Search(ctx context.Context, capability string, hints []string) ([]Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, searchDeadline)
	defer cancel()

	terms := append([]string{"mcp", "server", capability}, hints...)
	query := strings.Join(terms, " ")

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		// merged keeps the best-scored hit per package name.
		merged = make(map[string]Candidate)
	)
	for _, endpoint := range d.endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			hits, err := d.searchOne(ctx, endpoint, query)
			if err != nil {
				d.logger.Warn("registry search failed",
					zap.String("endpoint", endpoint),
					zap.String("capability", capability),
					zap.Error(err))
				return
			}
			mu.Lock()
			for _, hit := range hits {
				cand := rank(capability, hit)
				if prev, ok := merged[cand.Package]; !ok || cand.Score > prev.Score {
					merged[cand.Package] = cand
				}
			}
			mu.Unlock()
		}(endpoint)
	}
	wg.Wait()

	out := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	// Stable total order: score descending, name ascending as tiebreak.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Package < out[j].Package
	})

	d.logger.Info("discovery complete",
		zap.String("capability", capability),
		zap.Int("candidates", len(out)))
	return out, nil
}

// searchHit is the subset of the npm search response we care about.
type searchHit struct {
	Name        string
	Version     string
	Description string
	Keywords    []string
	// Popularity is the registry's own 0..1 popularity signal.
	Popularity float64
}

// searchOne queries a single npm-compatible search endpoint.
func (d *Discovery) searchOne(ctx context.Context, endpoint, query string) ([]searchHit, error) {
	u := fmt.Sprintf("%s/-/v1/search?text=%s&size=%d",
		strings.TrimRight(endpoint, "/"), url.QueryEscape(query), resultsPerEndpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: query %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: %s returned %s", endpoint, resp.Status)
	}

	var body struct {
		Objects []struct {
			Package struct {
				Name        string   `json:"name"`
				Version     string   `json:"version"`
				Description string   `json:"description"`
				Keywords    []string `json:"keywords"`
			} `json:"package"`
			Score struct {
				Detail struct {
					Popularity float64 `json:"popularity"`
				} `json:"detail"`
			} `json:"score"`
		} `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("discovery: decode %s response: %w", endpoint, err)
	}

	hits := make([]searchHit, 0, len(body.Objects))
	for _, obj := range body.Objects {
		hits = append(hits, searchHit{
			Name:        obj.Package.Name,
			Version:     obj.Package.Version,
			Description: obj.Package.Description,
			Keywords:    obj.Package.Keywords,
			Popularity:  obj.Score.Detail.Popularity,
		})
	}
	return hits, nil
}

// rank scores one hit against the capability. Keyword overlap dominates;
// popularity breaks ties between equally relevant packages.
func rank(capability string, hit searchHit) Candidate {
	want := strings.ToLower(capability)
	var score float64
	var reasons []string

	name := strings.ToLower(hit.Name)
	switch {
	case name == want || strings.HasSuffix(name, "/"+want):
		score += 5
		reasons = append(reasons, "exact name match")
	case strings.Contains(name, want):
		score += 3
		reasons = append(reasons, "name contains capability")
	}

	for _, kw := range hit.Keywords {
		if strings.EqualFold(kw, capability) {
			score += 2
			reasons = append(reasons, "keyword match")
			break
		}
	}

	if strings.Contains(strings.ToLower(hit.Description), want) {
		score += 1
		reasons = append(reasons, "description mentions capability")
	}

	// The protocol marker matters: a package that does not present itself
	// as an MCP server is unlikely to speak our wire protocol.
	if strings.Contains(name, "mcp") || containsFold(hit.Keywords, "mcp") {
		score += 2
		reasons = append(reasons, "mcp server")
	}

	score += hit.Popularity
	if len(reasons) == 0 {
		reasons = append(reasons, "registry text match only")
	}

	return Candidate{
		Package:   hit.Name,
		Version:   hit.Version,
		Score:     score,
		Rationale: strings.Join(reasons, ", "),
	}
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
