package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t0ken-ai/memoryx/ai/extract"
	"github.com/t0ken-ai/memoryx/graph"
	"github.com/t0ken-ai/memoryx/internal/profile"
	"github.com/t0ken-ai/memoryx/store"
	"github.com/t0ken-ai/memoryx/vector"
)

type fakeDriver struct {
	store.Driver
	users    map[string]*store.User
	memories []*store.Memory
}

func (d *fakeDriver) GetUser(_ context.Context, find *store.FindUser) (*store.User, error) {
	if find.ID != nil {
		return d.users[*find.ID], nil
	}
	return nil, nil
}

func (d *fakeDriver) ListMemories(_ context.Context, find *store.FindMemory) ([]*store.Memory, error) {
	requested := map[string]struct{}{}
	for _, id := range find.IDs {
		requested[id] = struct{}{}
	}
	out := []*store.Memory{}
	for _, m := range d.memories {
		if find.UserID != nil && m.UserID != *find.UserID {
			continue
		}
		if m.Tombstone {
			continue
		}
		if _, ok := requested[m.ID]; len(requested) > 0 && !ok {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type fakeSearcher struct {
	matches []vector.Match
	sawK    int
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, limit int, _ vector.Filter) ([]vector.Match, error) {
	f.sawK = limit
	return f.matches, f.err
}

type fakeExplorer struct {
	hops     []graph.MemoryHop
	sawSeeds []string
	err      error
}

func (f *fakeExplorer) Neighborhood(_ context.Context, _ string, seeds []string, _ int) ([]graph.MemoryHop, error) {
	f.sawSeeds = seeds
	return f.hops, f.err
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeQueryExtractor struct {
	entities []extract.Entity
}

func (f *fakeQueryExtractor) ExtractEntities(context.Context, string) (*extract.Extraction, error) {
	return &extract.Extraction{Entities: f.entities}, nil
}

type retrieverFixture struct {
	driver    *fakeDriver
	searcher  *fakeSearcher
	explorer  *fakeExplorer
	embedder  *fakeEmbedder
	extractor *fakeQueryExtractor
	retriever *Retriever
}

func newRetrieverFixture(t *testing.T) *retrieverFixture {
	t.Helper()
	driver := &fakeDriver{users: map[string]*store.User{
		"u1": {ID: "u1", Tier: store.TierPro},
	}}
	st, err := store.New(driver, &profile.Profile{})
	require.NoError(t, err)

	fx := &retrieverFixture{
		driver:    driver,
		searcher:  &fakeSearcher{},
		explorer:  &fakeExplorer{},
		embedder:  &fakeEmbedder{},
		extractor: &fakeQueryExtractor{},
	}
	fx.retriever = NewRetriever(st, fx.searcher, fx.explorer, fx.embedder, fx.extractor, nil, DefaultWeights())
	return fx
}

func TestSearchShortQueryReturnsEmpty(t *testing.T) {
	fx := newRetrieverFixture(t)
	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: " a "})
	require.NoError(t, err)
	assert.Empty(t, resp.Data)
	assert.Empty(t, resp.Related)
	assert.Zero(t, fx.embedder.calls, "short query must not reach the embedder")
}

func TestSearchUnknownUser(t *testing.T) {
	fx := newRetrieverFixture(t)
	_, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "ghost", Query: "coffee"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown user")
}

func TestSearchRanksBySimilarity(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now().Unix()
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "likes coffee", UpdatedTs: now},
		{ID: "m2", Version: 1, UserID: "u1", Content: "likes tea", UpdatedTs: now},
	}
	fx.searcher.matches = []vector.Match{
		{ID: "m2", Score: 0.50},
		{ID: "m1", Score: 0.92},
	}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "what does the user drink"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "m1", resp.Data[0].Memory.ID)
	assert.Equal(t, "m2", resp.Data[1].Memory.ID)
	assert.Greater(t, resp.Data[0].Score, resp.Data[1].Score)
}

func TestSearchGraphProximityBoosts(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now().Unix()
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "works at Acme", UpdatedTs: now},
		{ID: "m2", Version: 1, UserID: "u1", Content: "works long hours", UpdatedTs: now},
	}
	// Near-identical similarity; the graph breaks the tie.
	fx.searcher.matches = []vector.Match{
		{ID: "m1", Score: 0.80},
		{ID: "m2", Score: 0.81},
	}
	fx.extractor.entities = []extract.Entity{{Name: "Acme", Type: "organization"}}
	fx.explorer.hops = []graph.MemoryHop{{MemoryID: "m1", Hops: 0}}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "tell me about Acme"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "m1", resp.Data[0].Memory.ID)
	assert.Equal(t, []string{"Acme"}, fx.explorer.sawSeeds)
	assert.Equal(t, 1.0, resp.Data[0].GraphScore)
}

func TestSearchGraphOnlyCandidateIncluded(t *testing.T) {
	fx := newRetrieverFixture(t)
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "mentions Acme indirectly", UpdatedTs: time.Now().Unix()},
	}
	fx.extractor.entities = []extract.Entity{{Name: "Acme"}}
	fx.explorer.hops = []graph.MemoryHop{{MemoryID: "m1", Hops: 1}}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "about Acme"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "m1", resp.Data[0].Memory.ID)
	assert.Zero(t, resp.Data[0].Similarity)
	assert.Equal(t, 0.5, resp.Data[0].GraphScore)
}

func TestSearchRecencyDecay(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now()
	fx.driver.memories = []*store.Memory{
		{ID: "fresh", Version: 1, UserID: "u1", Content: "fresh", UpdatedTs: now.Unix()},
		{ID: "stale", Version: 1, UserID: "u1", Content: "stale", UpdatedTs: now.Add(-90 * 24 * time.Hour).Unix()},
	}
	fx.searcher.matches = []vector.Match{
		{ID: "fresh", Score: 0.70},
		{ID: "stale", Score: 0.70},
	}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "anything recent"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "fresh", resp.Data[0].Memory.ID)
	assert.Greater(t, resp.Data[0].Recency, resp.Data[1].Recency)
}

func TestSearchCandidatePoolFloor(t *testing.T) {
	fx := newRetrieverFixture(t)

	_, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "coffee", Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 30, fx.searcher.sawK)

	_, err = fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "coffee", Limit: 20})
	require.NoError(t, err)
	assert.Equal(t, 60, fx.searcher.sawK)
}

func TestSearchLimitTruncates(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now().Unix()
	for _, id := range []string{"m1", "m2", "m3"} {
		fx.driver.memories = append(fx.driver.memories, &store.Memory{ID: id, Version: 1, UserID: "u1", Content: id, UpdatedTs: now})
		fx.searcher.matches = append(fx.searcher.matches, vector.Match{ID: id, Score: 0.8})
	}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "everything", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Data, 2)
}

func TestSearchVectorFailure(t *testing.T) {
	fx := newRetrieverFixture(t)
	fx.searcher.err = errors.New("qdrant unavailable")

	_, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "coffee"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector search")
}

func TestSearchGraphFailureDegradesToVectorOnly(t *testing.T) {
	fx := newRetrieverFixture(t)
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "likes coffee", UpdatedTs: time.Now().Unix()},
	}
	fx.searcher.matches = []vector.Match{{ID: "m1", Score: 0.9}}
	fx.extractor.entities = []extract.Entity{{Name: "coffee"}}
	fx.explorer.err = errors.New("neo4j unavailable")

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "coffee preferences"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Zero(t, resp.Data[0].GraphScore)
}

func TestSearchGraphScoreScalesWithEdgeWeight(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now().Unix()
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "works at Acme", UpdatedTs: now},
		{ID: "m2", Version: 1, UserID: "u1", Content: "once visited Acme", UpdatedTs: now},
	}
	fx.extractor.entities = []extract.Entity{{Name: "Acme"}}
	// Same hop distance; the reinforced relation must outrank the
	// incidental one.
	fx.explorer.hops = []graph.MemoryHop{
		{MemoryID: "m1", Hops: 1, Weight: 0.8},
		{MemoryID: "m2", Hops: 1, Weight: 0.2},
	}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "about Acme"})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "m1", resp.Data[0].Memory.ID)
	assert.InDelta(t, 0.4, resp.Data[0].GraphScore, 1e-9)
	assert.InDelta(t, 0.1, resp.Data[1].GraphScore, 1e-9)
}

func TestSearchRelatedHoldsGraphOnlyOverflow(t *testing.T) {
	fx := newRetrieverFixture(t)
	now := time.Now().Unix()
	fx.driver.memories = []*store.Memory{
		{ID: "m1", Version: 1, UserID: "u1", Content: "drinks flat white", UpdatedTs: now},
		{ID: "m2", Version: 1, UserID: "u1", Content: "drinks espresso", UpdatedTs: now},
		{ID: "m3", Version: 1, UserID: "u1", Content: "owns a grinder", UpdatedTs: now},
	}
	fx.searcher.matches = []vector.Match{
		{ID: "m1", Score: 0.9},
		{ID: "m2", Score: 0.8},
	}
	fx.extractor.entities = []extract.Entity{{Name: "coffee"}}
	fx.explorer.hops = []graph.MemoryHop{{MemoryID: "m3", Hops: 1}}

	resp, err := fx.retriever.Search(context.Background(), &SearchRequest{UserID: "u1", Query: "coffee habits", Limit: 1})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "m1", resp.Data[0].Memory.ID)
	// The weaker vector hit is simply cut; only the graph-only find
	// survives as related context.
	require.Len(t, resp.Related, 1)
	assert.Equal(t, "m3", resp.Related[0].Memory.ID)
	assert.Zero(t, resp.Related[0].Similarity)
}

func TestDefaultWeightsApplied(t *testing.T) {
	r := NewRetriever(nil, nil, nil, nil, nil, nil, Weights{})
	assert.Equal(t, DefaultWeights(), r.weights)
}
