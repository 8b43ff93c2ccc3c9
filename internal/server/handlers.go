package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cellcredit/cell/internal/commitment"
	"github.com/cellcredit/cell/internal/emergency"
	"github.com/cellcredit/cell/internal/idgen"
	"github.com/cellcredit/cell/internal/ledger"
	"github.com/cellcredit/cell/internal/metrics"
	"github.com/cellcredit/cell/internal/validation"
)

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/api", s.infoHandler)

	// Peer-facing federation endpoints: these are what a remote cell's
	// federation.HTTPTransport targets, unauthenticated (the federation
	// link itself is the trust boundary, same as LocalTransport in tests).
	s.router.POST("/federation/:cellID/validate", s.federationValidateRemote)
	s.router.POST("/federation/:cellID/execute", s.federationExecuteRemote)
	s.router.POST("/federation/:cellID/rollback", s.federationRollbackRemote)

	v1 := s.router.Group("/v1")

	cells := v1.Group("/cells")
	{
		cells.POST("", s.createCell)
		cells.POST("/:cellID/members", s.addMember)
		cells.GET("/:cellID/members", s.listMembers)
		cells.GET("/:cellID/members/:memberID", s.getMember)
		cells.DELETE("/:cellID/members/:memberID", s.removeMember)
		cells.PATCH("/:cellID/members/:memberID/limit", s.updateMemberLimit)
		cells.PATCH("/:cellID/members/:memberID/status", s.updateMemberStatus)
		cells.GET("/:cellID/statistics", s.getStatistics)
		cells.GET("/:cellID/history", s.getHistory)

		cells.POST("/:cellID/transactions", s.createSpotTransaction)
		cells.POST("/:cellID/commitments", s.createCommitment)

		cells.GET("/:cellID/emergency", s.getEmergencyState)
		cells.POST("/:cellID/emergency/tick", s.tickEmergency)
		cells.POST("/:cellID/emergency/force", s.forceEmergencyState)
	}

	txns := v1.Group("/transactions")
	{
		txns.POST("/:id/sign/payer", s.signTransactionAsPayer)
		txns.POST("/:id/sign/payee", s.signTransactionAsPayee)
		txns.POST("/:id/execute", s.executeTransaction)
	}

	commitments := v1.Group("/commitments")
	{
		commitments.POST("/:id/accept", s.acceptCommitment)
		commitments.POST("/:id/fulfill", s.fulfillCommitment)
		commitments.POST("/:id/cancel", s.cancelCommitment)
		commitments.POST("/:id/dispute", s.disputeCommitment)
		commitments.POST("/:id/resolve", s.resolveCommitmentDispute)
	}

	fed := v1.Group("/federation")
	{
		fed.POST("/links", s.proposeFederationLink)
		fed.POST("/links/:id/accept", s.acceptFederationLink)
		fed.POST("/links/:id/suspend", s.suspendFederationLink)
		fed.POST("/links/:id/resume", s.resumeFederationLink)
		fed.POST("/transfer", s.transferFederated)
	}

	v1.GET("/hardening/health", s.hardeningHealthHandler)
	v1.GET("/realtime", s.realtimeFeed)
}

// realtimeFeed upgrades the connection to a websocket and streams the
// same emergency/quarantine events internal/webhooks delivers to
// registered URLs, for a connected dashboard or operator tool.
func (s *Server) realtimeFeed(c *gin.Context) {
	s.realtime.ServeWS(c.Writer, c.Request)
}

// -----------------------------------------------------------------------------
// Cell / member administration
// -----------------------------------------------------------------------------

func (s *Server) createCell(c *gin.Context) {
	var req struct {
		CellID string `json:"cell_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	params := ledger.CellParams{
		DefaultLimit:        s.cfg.DefaultMemberLimit,
		MinLimit:            s.cfg.MinMemberLimit,
		MaxLimit:            s.cfg.MaxMemberLimit,
		EnforceEscrowSafety: s.cfg.EnforceEscrowSafety,
		FloorMassRho:        0.8,
	}
	if err := s.ledger.CreateCell(c.Request.Context(), req.CellID, params); err != nil {
		internalError(c, err)
		return
	}
	if err := s.federation.EnsureClearingAccount(c.Request.Context(), req.CellID); err != nil {
		internalError(c, err)
		return
	}
	s.trackCell(req.CellID)
	c.JSON(http.StatusCreated, gin.H{"cell_id": req.CellID})
}

func (s *Server) addMember(c *gin.Context) {
	cellID := c.Param("cellID")
	var req struct {
		MemberID     string `json:"member_id" binding:"required"`
		InitialLimit *int64 `json:"initial_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if !validation.IsValidMemberID(req.MemberID) {
		badRequest(c, "invalid_member_id", "member_id has an invalid format")
		return
	}

	m, err := s.ledger.AddMember(c.Request.Context(), cellID, req.MemberID, req.InitialLimit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) listMembers(c *gin.Context) {
	cellID := c.Param("cellID")
	members, err := s.ledger.ListMembers(c.Request.Context(), cellID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}

func (s *Server) getMember(c *gin.Context) {
	cellID := c.Param("cellID")
	memberID := c.Param("memberID")
	m, err := s.ledger.GetMember(c.Request.Context(), cellID, memberID)
	if err != nil {
		notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) removeMember(c *gin.Context) {
	cellID := c.Param("cellID")
	memberID := c.Param("memberID")
	hasActive := c.Query("has_active_commitments") == "true"
	if err := s.ledger.RemoveMember(c.Request.Context(), cellID, memberID, hasActive); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateMemberLimit(c *gin.Context) {
	cellID := c.Param("cellID")
	memberID := c.Param("memberID")
	var req struct {
		NewLimit int64 `json:"new_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	applied, err := s.ledger.UpdateMemberLimit(c.Request.Context(), cellID, memberID, req.NewLimit)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limit": applied})
}

func (s *Server) updateMemberStatus(c *gin.Context) {
	cellID := c.Param("cellID")
	memberID := c.Param("memberID")
	var req struct {
		Status ledger.MemberStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.ledger.UpdateMemberStatus(c.Request.Context(), cellID, memberID, req.Status); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getStatistics(c *gin.Context) {
	cellID := c.Param("cellID")
	stats, err := s.ledger.Statistics(c.Request.Context(), cellID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getHistory(c *gin.Context) {
	cellID := c.Param("cellID")
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	events, next, err := s.ledger.GetHistory(c.Request.Context(), cellID, limit, c.Query("cursor"))
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "next_cursor": next})
}

// -----------------------------------------------------------------------------
// Spot transactions
// -----------------------------------------------------------------------------

func (s *Server) createSpotTransaction(c *gin.Context) {
	cellID := c.Param("cellID")
	var req struct {
		Payer       string `json:"payer" binding:"required"`
		Payee       string `json:"payee" binding:"required"`
		Amount      int64  `json:"amount" binding:"required"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	t, err := s.txnEngine.CreateSpot(c.Request.Context(), cellID, req.Payer, req.Payee, req.Amount, req.Description)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) signTransactionAsPayer(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Signature []byte `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.txnEngine.SignAsPayer(c.Request.Context(), id, req.Signature); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) signTransactionAsPayee(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Signature []byte `json:"signature" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.txnEngine.SignAsPayee(c.Request.Context(), id, req.Signature); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) executeTransaction(c *gin.Context) {
	id := c.Param("id")
	if err := s.txnEngine.Execute(c.Request.Context(), id); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Commitments
// -----------------------------------------------------------------------------

func (s *Server) createCommitment(c *gin.Context) {
	cellID := c.Param("cellID")
	var req struct {
		Kind        commitment.Kind     `json:"kind" binding:"required"`
		Promisor    string              `json:"promisor" binding:"required"`
		Promisee    string              `json:"promisee" binding:"required"`
		Value       int64               `json:"value" binding:"required"`
		Category    commitment.Category `json:"category" binding:"required"`
		Description string              `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	cm, err := s.commitment.Create(c.Request.Context(), cellID, req.Kind, req.Promisor, req.Promisee, req.Value, req.Category, req.Description)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cm)
}

func (s *Server) acceptCommitment(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Accepter string `json:"accepter" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	cm, err := s.commitment.Accept(c.Request.Context(), id, req.Accepter)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (s *Server) fulfillCommitment(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		ConfirmedBy string `json:"confirmed_by" binding:"required"`
		Rating      *int   `json:"rating"`
		Notes       string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	cm, err := s.commitment.Fulfill(c.Request.Context(), id, commitment.Confirmation{
		ConfirmedBy: req.ConfirmedBy, Rating: req.Rating, Notes: req.Notes,
	})
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (s *Server) cancelCommitment(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Reason             string `json:"reason"`
		Initiator          string `json:"initiator" binding:"required"`
		GovernanceApproved bool   `json:"governance_approved"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	cm, err := s.commitment.Cancel(c.Request.Context(), id, req.Reason, req.Initiator, req.GovernanceApproved)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (s *Server) disputeCommitment(c *gin.Context) {
	id := c.Param("id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	cm, err := s.commitment.Dispute(c.Request.Context(), id, req.Reason)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

func (s *Server) resolveCommitmentDispute(c *gin.Context) {
	id := c.Param("id")
	cm, err := s.commitment.ResolveDispute(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, cm)
}

// -----------------------------------------------------------------------------
// Federation
// -----------------------------------------------------------------------------

func (s *Server) proposeFederationLink(c *gin.Context) {
	var req struct {
		CellA      string `json:"cell_a" binding:"required"`
		CellB      string `json:"cell_b" binding:"required"`
		ProposedBy string `json:"proposed_by" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	link, err := s.federation.ProposeLink(c.Request.Context(), req.CellA, req.CellB, req.ProposedBy)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

func (s *Server) acceptFederationLink(c *gin.Context) {
	id := c.Param("id")
	link, err := s.federation.AcceptLink(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) suspendFederationLink(c *gin.Context) {
	id := c.Param("id")
	link, err := s.federation.SuspendLink(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) resumeFederationLink(c *gin.Context) {
	id := c.Param("id")
	link, err := s.federation.ResumeLink(c.Request.Context(), id)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, link)
}

func (s *Server) transferFederated(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transaction_id"`
		Source        string `json:"source" binding:"required"`
		Target        string `json:"target" binding:"required"`
		Payer         string `json:"payer" binding:"required"`
		Payee         string `json:"payee" binding:"required"`
		Amount        int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if req.TransactionID == "" {
		req.TransactionID = idgen.WithPrefix("fedtx")
	}
	status, err := s.federation.Transfer(c.Request.Context(), req.TransactionID, req.Source, req.Target, req.Payer, req.Payee, req.Amount)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_id": req.TransactionID, "status": status})
}

// federationValidateRemote, federationExecuteRemote, and
// federationRollbackRemote back the three peer-facing endpoints that
// federation.HTTPTransport calls on a remote cell. They mirror what
// LocalTransport invokes in-process, through the Engine's exported
// Handle* wrappers.
func (s *Server) federationValidateRemote(c *gin.Context) {
	var req struct {
		SourceCellID string `json:"source_cell_id" binding:"required"`
		Payee        string `json:"payee" binding:"required"`
		Amount       int64  `json:"amount" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	remoteCellID := c.Param("cellID")
	if err := s.federation.HandleValidateRemote(c.Request.Context(), remoteCellID, req.Payee, req.Amount); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) federationExecuteRemote(c *gin.Context) {
	var req struct {
		SourceCellID  string `json:"source_cell_id" binding:"required"`
		Payee         string `json:"payee" binding:"required"`
		Amount        int64  `json:"amount" binding:"required"`
		TransactionID string `json:"transaction_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	remoteCellID := c.Param("cellID")
	if err := s.federation.HandleExecuteRemote(c.Request.Context(), req.SourceCellID, remoteCellID, req.Payee, req.Amount, req.TransactionID); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) federationRollbackRemote(c *gin.Context) {
	var req struct {
		TransactionID string `json:"transaction_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	if err := s.federation.HandleRollbackRemote(c.Request.Context(), req.TransactionID); err != nil {
		internalError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Emergency
// -----------------------------------------------------------------------------

func (s *Server) getEmergencyState(c *gin.Context) {
	cellID := c.Param("cellID")
	state, err := s.emergency.CurrentState(c.Request.Context(), cellID)
	if err != nil {
		internalError(c, err)
		return
	}
	indicators, err := s.emergency.Indicators(c.Request.Context(), cellID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "indicators": indicators})
}

func (s *Server) tickEmergency(c *gin.Context) {
	cellID := c.Param("cellID")
	state, err := s.emergency.Tick(c.Request.Context(), cellID)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) forceEmergencyState(c *gin.Context) {
	cellID := c.Param("cellID")
	var req struct {
		Actor  string              `json:"actor" binding:"required"`
		Target emergency.RiskState `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", err.Error())
		return
	}
	state, err := s.emergency.ForceState(c.Request.Context(), cellID, req.Actor, req.Target)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// -----------------------------------------------------------------------------
// Error helpers
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}

func notFound(c *gin.Context, err error) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "request_failed", "message": err.Error()})
}
