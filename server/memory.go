package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/t0ken-ai/memoryx/ingest"
	"github.com/t0ken-ai/memoryx/store"
)

type memoryView struct {
	ID        string   `json:"id"`
	Version   int32    `json:"version"`
	ProjectID string   `json:"project_id,omitempty"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	Entities  []string `json:"entities,omitempty"`
	CreatedTs int64    `json:"created_ts"`
	UpdatedTs int64    `json:"updated_ts"`
}

func toMemoryView(m *store.Memory) memoryView {
	return memoryView{
		ID:        m.ID,
		Version:   m.Version,
		ProjectID: m.ProjectID,
		Content:   m.Content,
		Category:  m.Category,
		Entities:  m.Entities,
		CreatedTs: m.CreatedTs,
		UpdatedTs: m.UpdatedTs,
	}
}

type submitMemoryRequest struct {
	Content   string            `json:"content"`
	ProjectID string            `json:"project_id"`
	AgentID   string            `json:"agent_id"`
	Metadata  map[string]string `json:"metadata"`
}

type taskAcceptedResponse struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) submitMemory(c echo.Context) error {
	var req submitMemoryRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed body")
	}
	if strings.TrimSpace(req.Content) == "" {
		return fail(c, http.StatusBadRequest, "content required")
	}

	user := currentUser(c)
	result, err := s.flusher.SubmitMemory(c.Request().Context(), &ingest.MemoryPayload{
		UserID:    user.ID,
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		Content:   req.Content,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if isValidationError(err) {
			return fail(c, http.StatusBadRequest, err.Error())
		}
		return failFrom(c, err)
	}
	return c.JSON(http.StatusAccepted, taskAcceptedResponse{TaskID: result.TaskID, Status: string(result.Status)})
}

type submitMemoryBatchRequest struct {
	Memories []struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata"`
	} `json:"memories"`
	ProjectID string `json:"project_id"`
}

// submitMemoryBatch ingests a batch as one task. The contents travel as
// one newline-joined block; extraction splits them back into facts.
func (s *Server) submitMemoryBatch(c echo.Context) error {
	var req submitMemoryBatchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed body")
	}
	contents := make([]string, 0, len(req.Memories))
	for _, m := range req.Memories {
		if strings.TrimSpace(m.Content) != "" {
			contents = append(contents, m.Content)
		}
	}
	if len(contents) == 0 {
		return fail(c, http.StatusBadRequest, "memories required")
	}

	user := currentUser(c)
	result, err := s.flusher.SubmitMemory(c.Request().Context(), &ingest.MemoryPayload{
		UserID:    user.ID,
		ProjectID: req.ProjectID,
		Content:   strings.Join(contents, "\n"),
	})
	if err != nil {
		if isValidationError(err) {
			return fail(c, http.StatusBadRequest, err.Error())
		}
		return failFrom(c, err)
	}
	return c.JSON(http.StatusAccepted, taskAcceptedResponse{TaskID: result.TaskID, Status: string(result.Status)})
}

type flushConversationRequest struct {
	ConversationID string           `json:"conversation_id"`
	ProjectID      string           `json:"project_id"`
	AgentID        string           `json:"agent_id"`
	NeedsSummary   bool             `json:"needs_summary"`
	Messages       []ingest.Message `json:"messages"`
}

func (s *Server) flushConversation(c echo.Context) error {
	var req flushConversationRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed body")
	}

	user := currentUser(c)
	result, err := s.flusher.FlushConversation(c.Request().Context(), &ingest.ConversationPayload{
		UserID:       user.ID,
		ProjectID:    req.ProjectID,
		AgentID:      req.AgentID,
		SegmentID:    req.ConversationID,
		Messages:     req.Messages,
		NeedsSummary: req.NeedsSummary,
	})
	if err != nil {
		if isValidationError(err) {
			return fail(c, http.StatusBadRequest, err.Error())
		}
		return failFrom(c, err)
	}
	return c.JSON(http.StatusAccepted, taskAcceptedResponse{
		TaskID:    result.TaskID,
		Status:    string(result.Status),
		Duplicate: result.Duplicate,
	})
}

// isValidationError distinguishes bad input from infrastructure trouble.
// Validation failures are terminal 4xx; the client must not retry them.
func isValidationError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "required") ||
		strings.Contains(msg, "invalid role") ||
		strings.Contains(msg, "empty content") ||
		strings.Contains(msg, "unknown user")
}

type listMemoriesResponse struct {
	Data  []memoryView `json:"data"`
	Total int64        `json:"total"`
}

func (s *Server) listMemories(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()

	find := &store.FindMemory{UserID: &user.ID}
	if projectID := c.QueryParam("project_id"); projectID != "" {
		find.ProjectID = &projectID
	}
	if category := c.QueryParam("category"); category != "" {
		find.Category = &category
	}
	find.Limit = queryInt(c, "limit", 50)
	find.Offset = queryInt(c, "offset", 0)

	total, err := s.store.CountMemories(ctx, find)
	if err != nil {
		return failFrom(c, err)
	}
	memories, err := s.store.ListMemories(ctx, find)
	if err != nil {
		return failFrom(c, err)
	}

	data := make([]memoryView, 0, len(memories))
	for _, m := range memories {
		data = append(data, toMemoryView(m))
	}
	return c.JSON(http.StatusOK, listMemoriesResponse{Data: data, Total: total})
}

func (s *Server) getMemory(c echo.Context) error {
	user := currentUser(c)
	memory, err := s.store.GetMemory(c.Request().Context(), c.Param("id"), user.ID)
	if err != nil {
		return failFrom(c, err)
	}
	if memory == nil {
		return fail(c, http.StatusNotFound, "memory not found")
	}
	return c.JSON(http.StatusOK, toMemoryView(memory))
}

func (s *Server) deleteMemory(c echo.Context) error {
	user := currentUser(c)
	ctx := c.Request().Context()
	id := c.Param("id")

	memory, err := s.store.GetMemory(ctx, id, user.ID)
	if err != nil {
		return failFrom(c, err)
	}
	if memory == nil {
		return fail(c, http.StatusNotFound, "memory not found")
	}
	if err := s.store.TombstoneMemory(ctx, &store.DeleteMemory{ID: id, UserID: user.ID}); err != nil {
		return failFrom(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) memoryStats(c echo.Context) error {
	user := currentUser(c)
	var projectID *string
	if p := c.QueryParam("project_id"); p != "" {
		projectID = &p
	}
	stats, err := s.store.GetMemoryStats(c.Request().Context(), user.ID, projectID)
	if err != nil {
		return failFrom(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

type taskStatusResponse struct {
	Status string          `json:"status"`
	Result *taskResultView `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type taskResultView struct {
	Added   int32 `json:"added"`
	Updated int32 `json:"updated"`
	Deleted int32 `json:"deleted"`
	Noop    int32 `json:"noop"`
}

func (s *Server) taskStatus(c echo.Context) error {
	user := currentUser(c)
	id := c.Param("id")
	task, err := s.store.GetTask(c.Request().Context(), &store.FindTask{ID: &id, UserID: &user.ID})
	if err != nil {
		return failFrom(c, err)
	}
	if task == nil {
		return fail(c, http.StatusNotFound, "task not found")
	}

	resp := taskStatusResponse{Status: string(task.Status), Error: task.Error}
	if task.Status == store.TaskSuccess || task.Status == store.TaskPartial {
		resp.Result = &taskResultView{
			Added:   task.Added,
			Updated: task.Updated,
			Deleted: task.Deleted,
			Noop:    task.Noop,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
