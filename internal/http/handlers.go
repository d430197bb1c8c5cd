package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/northstar/internal/orchestrator"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

// GenerateProposalRequest is the request body for POST /api/v1/proposals.
type GenerateProposalRequest struct {
	// Instruction is optional wording for the desired experiment.
	Instruction string `json:"instruction,omitempty"`
	// Channel, when set, receives the chat summary of the proposal.
	Channel string `json:"channel,omitempty"`
}

func (s *Server) handleGenerateProposal(c echo.Context) error {
	var req GenerateProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	text := strings.TrimSpace(req.Instruction)
	if text == "" {
		text = "propose an experiment"
	}

	resp, err := s.orch.HandleRequest(c.Request().Context(), orchestrator.Request{
		Channel: req.Channel,
		UserID:  "api",
		Text:    text,
	})
	if err != nil {
		return httpError(err)
	}
	if resp.Proposal == nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity,
			"request did not produce a proposal: "+resp.Reply)
	}
	return c.JSON(http.StatusCreated, resp.Proposal)
}

func (s *Server) handleListProposals(c echo.Context) error {
	status := proposal.Status(c.QueryParam("status"))
	if status == "" {
		status = proposal.StatusPending
	}

	proposals, err := s.store.ListProposalsByStatus(c.Request().Context(), status)
	if err != nil {
		return httpError(err)
	}
	if proposals == nil {
		proposals = []*proposal.Proposal{}
	}
	return c.JSON(http.StatusOK, proposals)
}

func (s *Server) handleGetProposal(c echo.Context) error {
	p, err := s.store.GetProposal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleGetExperiment(c echo.Context) error {
	exp, err := s.store.GetExperimentByProposal(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, exp)
}

// ApproveProposalRequest is the request body for proposal approval.
type ApproveProposalRequest struct {
	// PatchBlock overrides the proposal's own patch when set.
	PatchBlock string `json:"patch_block,omitempty"`
}

func (s *Server) handleApproveProposal(c echo.Context) error {
	var req ApproveProposalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	exp, err := s.orch.ApproveProposal(c.Request().Context(), c.Param("id"), req.PatchBlock)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, exp)
}

func (s *Server) handleRejectProposal(c echo.Context) error {
	if err := s.orch.RejectProposal(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CreateRepositoryRequest is the request body for repository registration.
type CreateRepositoryRequest struct {
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	Activate bool   `json:"activate,omitempty"`
}

func (s *Server) handleCreateRepository(c echo.Context) error {
	var req CreateRepositoryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Owner == "" || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner and name are required")
	}

	repo := &store.Repository{
		ID:       uuid.NewString(),
		Owner:    req.Owner,
		Name:     req.Name,
		FullName: req.Owner + "/" + req.Name,
	}

	ctx := c.Request().Context()
	if err := s.store.CreateRepository(ctx, repo); err != nil {
		return httpError(err)
	}
	if req.Activate {
		if err := s.store.ActivateRepository(ctx, repo.ID); err != nil {
			return httpError(err)
		}
		repo.IsActive = true
	}

	s.logger.Info("repository registered",
		zap.String("repo.full_name", repo.FullName),
		zap.Bool("repo.active", repo.IsActive))
	return c.JSON(http.StatusCreated, repo)
}

func (s *Server) handleListRepositories(c echo.Context) error {
	repos, err := s.store.ListRepositories(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if repos == nil {
		repos = []*store.Repository{}
	}
	return c.JSON(http.StatusOK, repos)
}

func (s *Server) handleDeleteRepository(c echo.Context) error {
	if err := s.store.DeleteRepository(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleActivateRepository(c echo.Context) error {
	if err := s.store.ActivateRepository(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListActivity(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = parsed
	}

	entries, err := s.store.ListActivity(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	if entries == nil {
		entries = []*store.ActivityEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
