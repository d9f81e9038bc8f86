package server

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/t0ken-ai/memoryx/retrieval"
	"github.com/t0ken-ai/memoryx/store"
)

type searchRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id"`
	Category  string `json:"category"`
	Limit     int    `json:"limit"`
}

type searchHit struct {
	memoryView
	Score      float64 `json:"score"`
	Similarity float64 `json:"similarity"`
	GraphScore float64 `json:"graph_score"`
}

type searchResponse struct {
	Data            []searchHit `json:"data"`
	RelatedMemories []searchHit `json:"related_memories"`
	RemainingQuota  int64       `json:"remaining_quota"`
}

func toSearchHit(r retrieval.Result) searchHit {
	return searchHit{
		memoryView: toMemoryView(r.Memory),
		Score:      r.Score,
		Similarity: r.Similarity,
		GraphScore: r.GraphScore,
	}
}

// searchMemories runs retrieval. The retriever already splits the ranked
// results: the top hits land in data, lower-ranked memories reached only
// through shared entities are surfaced as related context.
func (s *Server) searchMemories(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed body")
	}

	user := currentUser(c)
	ctx := c.Request().Context()
	result, err := s.retriever.Search(ctx, &retrieval.SearchRequest{
		UserID:    user.ID,
		ProjectID: req.ProjectID,
		Query:     req.Query,
		Category:  req.Category,
		Limit:     req.Limit,
	})
	if err != nil {
		return failFrom(c, err)
	}

	resp := searchResponse{Data: []searchHit{}, RelatedMemories: []searchHit{}, RemainingQuota: -1}
	for _, r := range result.Data {
		resp.Data = append(resp.Data, toSearchHit(r))
	}
	for _, r := range result.Related {
		resp.RelatedMemories = append(resp.RelatedMemories, toSearchHit(r))
	}

	if s.quota != nil && user.Tier == store.TierFree {
		usage, err := s.quota.Usage(ctx, user.ID, user.Tier)
		if err == nil && usage.Limit > 0 {
			resp.RemainingQuota = usage.Limit - usage.Used
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type quotaBucket struct {
	Used     int64 `json:"used"`
	Limit    int64 `json:"limit"`
	ResetsAt int64 `json:"resets_at,omitempty"`
}

type quotaResponse struct {
	Tier     string      `json:"tier"`
	Memories quotaBucket `json:"memories"`
	Searches quotaBucket `json:"searches"`
}

func (s *Server) quotaStatus(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	resp := quotaResponse{Tier: user.Tier}

	used, err := s.store.CountMemories(ctx, &store.FindMemory{UserID: &user.ID})
	if err != nil {
		return failFrom(c, err)
	}
	resp.Memories.Used = used
	if user.Tier == store.TierFree {
		resp.Memories.Limit = int64(s.profile.FreeMemoryLimit)
	}

	if s.quota != nil {
		usage, err := s.quota.Usage(ctx, user.ID, user.Tier)
		if err != nil {
			return failFrom(c, err)
		}
		resp.Searches = quotaBucket{Used: usage.Used, Limit: usage.Limit, ResetsAt: usage.ResetsAt}
	}
	return c.JSON(http.StatusOK, resp)
}
