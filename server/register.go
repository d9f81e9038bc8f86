package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/t0ken-ai/memoryx/internal/crypto"
	"github.com/t0ken-ai/memoryx/store"
)

const defaultProjectName = "default"

type autoRegisterRequest struct {
	MachineFingerprint string `json:"machine_fingerprint"`
	AgentType          string `json:"agent_type"`
	AgentName          string `json:"agent_name"`
	Platform           string `json:"platform"`
	PlatformVersion    string `json:"platform_version"`
}

type autoRegisterResponse struct {
	AgentID   string `json:"agent_id"`
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
}

// autoRegister provisions an owner for a new install. The same machine
// fingerprint always lands on the same owner, so a reinstalled agent
// keeps its memories; each call still mints a fresh API key.
func (s *Server) autoRegister(c echo.Context) error {
	var req autoRegisterRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "malformed body")
	}
	if req.MachineFingerprint == "" {
		return fail(c, http.StatusBadRequest, "machine_fingerprint required")
	}

	ctx := c.Request().Context()
	now := time.Now().Unix()

	user, err := s.store.GetUser(ctx, &store.FindUser{Fingerprint: &req.MachineFingerprint})
	if err != nil {
		return failFrom(c, err)
	}
	if user == nil {
		user, err = s.store.CreateUser(ctx, &store.User{
			ID:          uuid.NewString(),
			Tier:        store.TierFree,
			Fingerprint: req.MachineFingerprint,
			CreatedTs:   now,
			UpdatedTs:   now,
		})
		if err != nil {
			return failFrom(c, err)
		}
	}

	projectName := req.AgentType
	if projectName == "" {
		projectName = defaultProjectName
	}
	project, err := s.store.CreateProject(ctx, &store.Project{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Name:      projectName,
		CreatedTs: now,
	})
	if err != nil {
		return failFrom(c, err)
	}

	plaintext, err := crypto.GenerateAPIKey()
	if err != nil {
		return failFrom(c, err)
	}
	keyName := req.AgentName
	if keyName == "" {
		keyName = req.Platform
	}
	if _, err := s.store.CreateAPIKey(ctx, &store.APIKey{
		UserID:      user.ID,
		KeyHash:     crypto.HashAPIKey(plaintext),
		Fingerprint: req.MachineFingerprint,
		Name:        keyName,
		CreatedTs:   now,
	}); err != nil {
		return failFrom(c, err)
	}

	return c.JSON(http.StatusOK, autoRegisterResponse{
		AgentID:   user.ID,
		APIKey:    plaintext,
		ProjectID: project.ID,
	})
}
