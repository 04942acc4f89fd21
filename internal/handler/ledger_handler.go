package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"heritrust/internal/ledger"
	"heritrust/internal/scorer"
	"heritrust/pkg/circuitbreaker"
	"heritrust/pkg/logger"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type LedgerHandler struct {
	ledger *ledger.Ledger
	scorer *scorer.Client
	logger *zap.Logger
}

// NewLedgerHandler scorerClient 可以为 nil，此时 /score 返回 503
func NewLedgerHandler(l *ledger.Ledger, scorerClient *scorer.Client, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: l,
		scorer: scorerClient,
		logger: logger,
	}
}

type createProjectRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Contractor  string          `json:"contractor"`
	Budget      decimal.Decimal `json:"budget"`
	Deposit     decimal.Decimal `json:"deposit"`
}

type addMilestoneRequest struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type submitProofRequest struct {
	ProofRef string `json:"proof_ref"`
}

type verifyRequest struct {
	Score *int `json:"score"`
}

// CreateProject POST /projects
func (h *LedgerHandler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	id, err := h.ledger.CreateProject(c.Request.Context(), caller(c), ledger.NewProject{
		Name:        req.Name,
		Description: req.Description,
		Contractor:  ledger.Principal(req.Contractor),
		Budget:      req.Budget,
		Deposit:     req.Deposit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project_id": id})
}

// ListProjects GET /projects
func (h *LedgerHandler) ListProjects(c *gin.Context) {
	projects, err := h.ledger.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// GetProject GET /projects/:id
func (h *LedgerHandler) GetProject(c *gin.Context) {
	pid, ok := pathID(c, "id")
	if !ok {
		return
	}
	p, err := h.ledger.GetProject(c.Request.Context(), pid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// AddMilestone POST /projects/:id/milestones
func (h *LedgerHandler) AddMilestone(c *gin.Context) {
	pid, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req addMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	id, err := h.ledger.AddMilestone(c.Request.Context(), caller(c), pid, req.Description, req.Amount)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"project_id": pid, "milestone_id": id})
}

// GetMilestone GET /projects/:id/milestones/:mid
func (h *LedgerHandler) GetMilestone(c *gin.Context) {
	pid, mid, ok := milestonePath(c)
	if !ok {
		return
	}
	m, err := h.ledger.GetMilestone(c.Request.Context(), pid, mid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// SubmitProof POST /projects/:id/milestones/:mid/proof
func (h *LedgerHandler) SubmitProof(c *gin.Context) {
	pid, mid, ok := milestonePath(c)
	if !ok {
		return
	}
	var req submitProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}

	if err := h.ledger.SubmitMilestoneProof(c.Request.Context(), caller(c), pid, mid, req.ProofRef); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": ledger.StatusSubmitted})
}

// VerifyMilestone POST /projects/:id/milestones/:mid/verify
func (h *LedgerHandler) VerifyMilestone(c *gin.Context) {
	pid, mid, ok := milestonePath(c)
	if !ok {
		return
	}
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Score == nil {
		badRequest(c, "score is required")
		return
	}

	if err := h.ledger.VerifyMilestone(c.Request.Context(), caller(c), pid, mid, *req.Score); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": ledger.StatusVerified, "score": *req.Score})
}

// ScoreMilestone POST /projects/:id/milestones/:mid/score
// 调用评分服务为已提交的证明打分，再以调用方身份核验
func (h *LedgerHandler) ScoreMilestone(c *gin.Context) {
	pid, mid, ok := milestonePath(c)
	if !ok {
		return
	}
	if h.scorer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scorer not configured"})
		return
	}

	ctx := c.Request.Context()
	m, err := h.ledger.GetMilestone(ctx, pid, mid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if m.Status != ledger.StatusSubmitted {
		c.JSON(http.StatusConflict, gin.H{"error": "milestone proof not submitted", "status": m.Status})
		return
	}

	result, err := h.scorer.Score(ctx, m.ProofRef)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			status = http.StatusServiceUnavailable
		}
		logger.WithTrace(ctx, h.logger).Warn("Scoring failed",
			zap.Int64("project_id", pid),
			zap.Int64("milestone_id", mid),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "scoring failed", "details": err.Error()})
		return
	}
	if !result.Authentic {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":              "proof not authentic",
			"verification_score": result.Score,
		})
		return
	}

	if err := h.ledger.VerifyMilestoneProof(ctx, caller(c), pid, mid, m.ProofRef, result.Score); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": ledger.StatusVerified, "score": result.Score})
}

// ApproveAndRelease POST /projects/:id/milestones/:mid/approve
func (h *LedgerHandler) ApproveAndRelease(c *gin.Context) {
	pid, mid, ok := milestonePath(c)
	if !ok {
		return
	}
	receipt, err := h.ledger.ApproveAndRelease(c.Request.Context(), caller(c), pid, mid)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// GetBalance GET /balances/:principal
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	principal := ledger.Principal(c.Param("principal"))
	balance, err := h.ledger.Balance(c.Request.Context(), principal)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"principal": principal, "balance": balance})
}

// ListEvents GET /events?after=0&limit=100
func (h *LedgerHandler) ListEvents(c *gin.Context) {
	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		badRequest(c, "invalid after parameter")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEventLimit)))
	if err != nil || limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	events, err := h.ledger.Events(c.Request.Context(), after, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func milestonePath(c *gin.Context) (int64, int64, bool) {
	pid, ok := pathID(c, "id")
	if !ok {
		return 0, 0, false
	}
	mid, ok := pathID(c, "mid")
	if !ok {
		return 0, 0, false
	}
	return pid, mid, true
}
