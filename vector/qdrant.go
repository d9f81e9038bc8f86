// Package vector implements the similarity index on Qdrant's HTTP API.
// The index is a follower of the relational store: every point mirrors the
// latest version of a memory and carries owner scoping in its payload.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/t0ken-ai/memoryx/internal/profile"
)

const defaultTimeout = 10 * time.Second

// Point is one entry in the index.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Match is one search hit.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter scopes index operations to an owner. Empty fields are unconstrained.
type Filter struct {
	UserID    string
	ProjectID string
	Category  string
}

// Index is a Qdrant collection client.
type Index struct {
	client     *http.Client
	baseURL    string
	collection string
	dimension  int
	apiKey     string
}

// NewIndex builds the client from the profile. EnsureCollection must be
// called once before use.
func NewIndex(profile *profile.Profile) (*Index, error) {
	base := strings.TrimRight(profile.QdrantURL, "/")
	if base == "" {
		return nil, errors.New("qdrant url is required")
	}
	if profile.VectorDimensions <= 0 {
		return nil, errors.Errorf("invalid vector dimensions: %d", profile.VectorDimensions)
	}
	return &Index{
		client:     &http.Client{Timeout: defaultTimeout},
		baseURL:    base,
		collection: profile.QdrantCollection,
		dimension:  profile.VectorDimensions,
		apiKey:     profile.QdrantAPIKey,
	}, nil
}

// EnsureCollection creates the collection if it does not exist.
func (x *Index) EnsureCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     x.dimension,
			"distance": "Cosine",
		},
	}
	return x.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", x.collection), body, nil)
}

// Upsert writes points, replacing any with the same id.
func (x *Index) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	list := make([]any, 0, len(points))
	for i := range points {
		p := points[i]
		if len(p.Vector) != x.dimension {
			return errors.Errorf("point %q dimension mismatch: got %d want %d", p.ID, len(p.Vector), x.dimension)
		}
		payload := p.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		list = append(list, map[string]any{
			"id":      p.ID,
			"vector":  p.Vector,
			"payload": payload,
		})
	}
	body := map[string]any{"points": list}
	return x.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", x.collection), body, nil)
}

// Delete removes points by id.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]any{"points": ids}
	return x.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", x.collection), body, nil)
}

// Search runs a payload-filtered kNN query.
func (x *Index) Search(ctx context.Context, query []float32, limit int, filter Filter) ([]Match, error) {
	if len(query) != x.dimension {
		return nil, errors.Errorf("query dimension mismatch: got %d want %d", len(query), x.dimension)
	}
	request := map[string]any{
		"vector":       query,
		"limit":        limit,
		"with_payload": true,
	}
	if f := buildFilter(filter); f != nil {
		request["filter"] = f
	}
	var response struct {
		Result []searchResult `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", x.collection)
	if err := x.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(response.Result))
	for _, r := range response.Result {
		matches = append(matches, Match{ID: fmt.Sprint(r.ID), Score: r.Score, Payload: r.Payload})
	}
	return matches, nil
}

// Count returns the number of points matching the filter.
func (x *Index) Count(ctx context.Context, filter Filter) (int64, error) {
	request := map[string]any{"exact": true}
	if f := buildFilter(filter); f != nil {
		request["filter"] = f
	}
	var response struct {
		Result struct {
			Count int64 `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", x.collection)
	if err := x.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return 0, err
	}
	return response.Result.Count, nil
}

// Scroll pages through point ids matching the filter. A nil next offset
// means the scan is complete.
func (x *Index) Scroll(ctx context.Context, filter Filter, limit int, offset string) (ids []string, next string, err error) {
	request := map[string]any{
		"limit":        limit,
		"with_payload": false,
		"with_vector":  false,
	}
	if offset != "" {
		request["offset"] = offset
	}
	if f := buildFilter(filter); f != nil {
		request["filter"] = f
	}
	var response struct {
		Result struct {
			Points []struct {
				ID any `json:"id"`
			} `json:"points"`
			NextPageOffset any `json:"next_page_offset"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/scroll", x.collection)
	if err := x.doRequest(ctx, http.MethodPost, path, request, &response); err != nil {
		return nil, "", err
	}
	for _, p := range response.Result.Points {
		ids = append(ids, fmt.Sprint(p.ID))
	}
	if response.Result.NextPageOffset != nil {
		next = fmt.Sprint(response.Result.NextPageOffset)
	}
	return ids, next, nil
}

type searchResult struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

func buildFilter(filter Filter) map[string]any {
	must := make([]any, 0, 3)
	add := func(key, value string) {
		if value != "" {
			must = append(must, map[string]any{
				"key":   key,
				"match": map[string]any{"value": value},
			})
		}
	}
	add("user_id", filter.UserID)
	add("project_id", filter.ProjectID)
	add("category", filter.Category)
	if len(must) == 0 {
		return nil
	}
	return map[string]any{"must": must}
}

func (x *Index) doRequest(ctx context.Context, method, path string, body, out any) error {
	var buf *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "qdrant: marshal request")
		}
		buf = bytes.NewReader(payload)
	} else {
		buf = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, x.baseURL+path, buf)
	if err != nil {
		return errors.Wrap(err, "qdrant: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if x.apiKey != "" {
		req.Header.Set("api-key", x.apiKey)
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "qdrant: request failed")
	}
	defer resp.Body.Close()
	payload, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return errors.Wrap(readErr, "qdrant: read response")
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(payload, &apiErr); err != nil {
			return errors.Errorf("qdrant: request failed with status %d", resp.StatusCode)
		}
		return errors.Errorf("qdrant: %s (%d): %s", apiErr.Error, resp.StatusCode, apiErr.Status)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return errors.Wrap(err, "qdrant: decode response")
		}
	}
	return nil
}
