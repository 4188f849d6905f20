package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/storefront-ops/remedy/audit"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/store"
)

// ChainVerifier verifies an issue's audit chain.
type ChainVerifier interface {
	Verify(ctx context.Context, issueID uuid.UUID) (*audit.VerifyResult, error)
}

// SubmitSignal accepts an operator-submitted signal and publishes it onto
// the bus, so it travels the same path as automated signals.
func (s *Server) SubmitSignal(c echo.Context) error {
	sig := &model.Signal{}
	if err := c.Bind(sig); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid signal format"})
	}
	if sig.ID == uuid.Nil {
		sig.ID = uuid.New()
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	if err := sig.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	if err := s.publisher.PublishSignal(sig); err != nil {
		s.logger.WithError(err).Error("failed to publish signal")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Failed to publish signal"})
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"status":    "accepted",
		"signal_id": sig.ID,
	})
}

// DecisionRequest is the operator verdict payload.
type DecisionRequest struct {
	Status   model.ApprovalStatus `json:"status"`
	Operator string               `json:"operator"`
	Feedback string               `json:"feedback,omitempty"`
}

// DecideAction records an operator verdict on a gated action.
func (s *Server) DecideAction(c echo.Context) error {
	actionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid action id"})
	}
	var req DecisionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}
	if req.Operator == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "operator is required"})
	}

	verdict, err := s.approvals.Decide(c.Request().Context(), actionID, req.Status, req.Operator, req.Feedback)
	if err != nil {
		switch {
		case common.IsKind(err, common.KindInput):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case common.IsKind(err, common.KindState):
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to record decision"})
		}
	}
	return c.JSON(http.StatusOK, verdict)
}

// ListApprovals returns the actions waiting on a verdict.
func (s *Server) ListApprovals(c echo.Context) error {
	pending := s.approvals.Pending()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"approvals": pending,
		"count":     len(pending),
	})
}

// ListIssues returns issues filtered by merchant and stage.
func (s *Server) ListIssues(c echo.Context) error {
	filter := store.IssueFilter{
		MerchantID: c.QueryParam("merchant_id"),
		Limit:      50,
	}
	if stage := c.QueryParam("stage"); stage != "" {
		st := model.Stage(stage)
		if !st.Valid() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid stage value"})
		}
		filter.Stage = st
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > 500 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid limit value"})
		}
		filter.Limit = n
	}

	issues, err := s.store.ListIssues(c.Request().Context(), filter)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve issues"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"issues": issues,
		"count":  len(issues),
	})
}

// GetIssue returns one issue with its signals and actions.
func (s *Server) GetIssue(c echo.Context) error {
	issueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid issue id"})
	}
	ctx := c.Request().Context()

	issue, err := s.store.GetIssue(ctx, issueID)
	if err == store.ErrNotFound {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Issue not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve issue"})
	}

	signals, err := s.store.ListSignals(ctx, issueID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve signals"})
	}
	actions, err := s.store.ListActionsByIssue(ctx, issueID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve actions"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"issue":   issue,
		"signals": signals,
		"actions": actions,
	})
}

// GetAuditChain returns an issue's audit entries in sequence order.
func (s *Server) GetAuditChain(c echo.Context) error {
	issueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid issue id"})
	}
	entries, err := s.store.ListAuditEntries(c.Request().Context(), issueID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve audit chain"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// VerifyAuditChain re-derives the hash chain for an issue and reports the
// first broken link, if any.
func (s *Server) VerifyAuditChain(c echo.Context) error {
	issueID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid issue id"})
	}
	result, err := s.verifier.Verify(c.Request().Context(), issueID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to verify audit chain"})
	}
	status := http.StatusOK
	if !result.OK {
		// Integrity failure is an alarm, not a 200.
		status = http.StatusConflict
	}
	return c.JSON(status, result)
}

// ListDeadLetters returns parked unprocessable signals for replay.
func (s *Server) ListDeadLetters(c echo.Context) error {
	if s.consumer == nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"deadletters": []string{}, "count": 0})
	}
	entries, err := s.consumer.DeadLetters(c.Request().Context(), 100)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to retrieve dead letters"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"deadletters": entries,
		"count":       len(entries),
	})
}
