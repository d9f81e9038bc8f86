package retrieval

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/graph"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/vector"
)

const (
	defaultLimit = 10
	maxLimit     = 50

	// Candidates pulled from the index before graph and recency rescoring.
	candidateFloor      = 30
	candidateMultiplier = 3

	neighborhoodHops = 2
	hopDiscount      = 0.5

	minQueryRunes = 2
)

// Weights controls how the three ranking signals combine. The final score
// is Alpha*similarity + Beta*graph + Gamma*recency, where recency decays
// exponentially with time constant Tau.
type Weights struct {
	Alpha float64
	Beta  float64
	Gamma float64
	Tau   time.Duration
}

// DefaultWeights favors semantic similarity, with graph proximity and
// recency as tiebreakers.
func DefaultWeights() Weights {
	return Weights{Alpha: 0.6, Beta: 0.25, Gamma: 0.15, Tau: 30 * 24 * time.Hour}
}

// SearchRequest scopes one search.
type SearchRequest struct {
	UserID    string
	ProjectID string
	Query     string
	Category  string
	Limit     int
}

// Result is one ranked memory with its score breakdown.
type Result struct {
	Memory     *store.Memory
	Score      float64
	Similarity float64
	GraphScore float64
	Recency    float64
}

// SearchResponse splits the ranked results. Data holds the top hits up
// to the requested limit; Related holds up to another limit of
// lower-ranked memories that were reached only through the entity graph.
type SearchResponse struct {
	Data    []Result
	Related []Result
}

// VectorSearcher is the slice of the vector store the retriever needs.
type VectorSearcher interface {
	Search(ctx context.Context, query []float32, limit int, filter vector.Filter) ([]vector.Match, error)
}

// GraphExplorer walks the entity graph around the query's entities.
type GraphExplorer interface {
	Neighborhood(ctx context.Context, userID string, seedNames []string, maxHops int) ([]graph.MemoryHop, error)
}

// Embedder produces the query vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryExtractor pulls seed entities out of the query text.
type QueryExtractor interface {
	ExtractEntities(ctx context.Context, text string) (*extract.Extraction, error)
}

// Retriever ranks memories for a query by combining vector similarity,
// entity graph proximity, and recency.
type Retriever struct {
	store     *store.Store
	index     VectorSearcher
	graph     GraphExplorer
	embedder  Embedder
	extractor QueryExtractor
	quota     *Quota
	weights   Weights
}

// NewRetriever creates a Retriever.
func NewRetriever(st *store.Store, index VectorSearcher, g GraphExplorer, embedder Embedder, extractor QueryExtractor, quota *Quota, weights Weights) *Retriever {
	if weights.Alpha == 0 && weights.Beta == 0 && weights.Gamma == 0 {
		weights = DefaultWeights()
	}
	if weights.Tau <= 0 {
		weights.Tau = DefaultWeights().Tau
	}
	return &Retriever{
		store:     st,
		index:     index,
		graph:     g,
		embedder:  embedder,
		extractor: extractor,
		quota:     quota,
		weights:   weights,
	}
}

// Search runs the full retrieval pipeline. Queries shorter than two runes
// return empty without touching the quota.
func (r *Retriever) Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()
	defer func() {
		searchLatency.Observe(time.Since(startTime).Seconds())
	}()

	if req.UserID == "" {
		return nil, errors.New("user id required")
	}
	query := strings.TrimSpace(req.Query)
	if utf8.RuneCountInString(query) < minQueryRunes {
		return &SearchResponse{Data: []Result{}}, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	user, err := r.store.GetUser(ctx, &store.FindUser{ID: &req.UserID})
	if err != nil {
		return nil, errors.Wrap(err, "lookup user")
	}
	if user == nil {
		return nil, errors.Errorf("unknown user: %s", req.UserID)
	}
	if r.quota != nil {
		if err := r.quota.Allow(ctx, user.ID, user.Tier); err != nil {
			return nil, err
		}
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, errors.Wrap(err, "embed query")
	}

	k := limit * candidateMultiplier
	if k < candidateFloor {
		k = candidateFloor
	}
	matches, err := r.index.Search(ctx, vectors[0], k, vector.Filter{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Category:  req.Category,
	})
	if err != nil {
		return nil, errors.Wrap(err, "vector search")
	}

	similarity := make(map[string]float64, len(matches))
	for _, m := range matches {
		similarity[m.ID] = m.Score
	}

	graphScores := r.graphScores(ctx, req.UserID, query)

	// Candidates are the union: a memory only reachable through the graph
	// can still outrank a weak vector hit.
	candidates := make(map[string]struct{}, len(similarity)+len(graphScores))
	for id := range similarity {
		candidates[id] = struct{}{}
	}
	for id := range graphScores {
		candidates[id] = struct{}{}
	}
	if len(candidates) == 0 {
		return &SearchResponse{Data: []Result{}}, nil
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	memories, err := r.store.ListMemories(ctx, &store.FindMemory{IDs: ids, UserID: &req.UserID})
	if err != nil {
		return nil, errors.Wrap(err, "load candidates")
	}

	now := time.Now()
	results := make([]Result, 0, len(memories))
	for _, m := range memories {
		sim := similarity[m.ID]
		gs := graphScores[m.ID]
		age := now.Sub(time.Unix(m.UpdatedTs, 0))
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-age.Seconds() / r.weights.Tau.Seconds())
		results = append(results, Result{
			Memory:     m,
			Score:      r.weights.Alpha*sim + r.weights.Beta*gs + r.weights.Gamma*recency,
			Similarity: sim,
			GraphScore: gs,
			Recency:    recency,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	// The top limit becomes the answer; from the remainder, graph-only
	// finds are surfaced as related context, again capped at limit.
	data := results
	if len(data) > limit {
		data = data[:limit]
	}
	related := make([]Result, 0)
	for _, res := range results[len(data):] {
		if len(related) == limit {
			break
		}
		if res.Similarity == 0 {
			related = append(related, res)
		}
	}

	slog.Debug("search finished",
		"user_id", req.UserID,
		"candidates", len(candidates),
		"results", len(data),
		"related", len(related),
		"duration_ms", time.Since(startTime).Milliseconds(),
	)
	return &SearchResponse{Data: data, Related: related}, nil
}

// graphScores walks the entity graph from the query's entities and scores
// each reachable memory by hop distance and edge weight: a direct mention
// counts 1.0, each hop halves the score, and the path's normalized edge
// weight scales it so heavily reinforced relations outrank incidental
// ones. Extraction or graph failures degrade to vector-only ranking
// instead of failing the search.
func (r *Retriever) graphScores(ctx context.Context, userID, query string) map[string]float64 {
	scores := map[string]float64{}
	if r.extractor == nil || r.graph == nil {
		return scores
	}

	extraction, err := r.extractor.ExtractEntities(ctx, query)
	if err != nil {
		slog.Warn("query entity extraction failed", "error", err)
		return scores
	}
	seeds := make([]string, 0, len(extraction.Entities))
	for _, e := range extraction.Entities {
		seeds = append(seeds, e.Name)
	}
	if len(seeds) == 0 {
		return scores
	}

	hops, err := r.graph.Neighborhood(ctx, userID, seeds, neighborhoodHops)
	if err != nil {
		slog.Warn("graph neighborhood failed", "error", err)
		return scores
	}
	for _, h := range hops {
		weight := h.Weight
		if weight <= 0 || weight > 1 {
			weight = 1
		}
		score := weight * math.Pow(hopDiscount, float64(h.Hops))
		if prev, ok := scores[h.MemoryID]; !ok || score > prev {
			scores[h.MemoryID] = score
		}
	}
	return scores
}
