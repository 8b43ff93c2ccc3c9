package mcpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *CellClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *CellClient) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns a member's balance, limit, reserve, and status.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	memberID := req.GetString("member_id", "")
	if memberID == "" {
		return mcp.NewToolResultError("member_id is required"), nil
	}
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.GetMember(ctx, cellID, memberID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListMembers lists every member of a cell.
func (h *Handlers) HandleListMembers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.ListMembers(ctx, cellID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list members: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleGetCellStats returns aggregate statistics for a cell.
func (h *Handlers) HandleGetCellStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.GetStatistics(ctx, cellID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get cell statistics: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleCreatePayment creates a pending spot payment between two members.
func (h *Handlers) HandleCreatePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	payer := req.GetString("payer", "")
	payee := req.GetString("payee", "")
	if payer == "" || payee == "" {
		return mcp.NewToolResultError("payer and payee are required"), nil
	}
	amount := int64(req.GetFloat("amount", 0))
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be greater than zero"), nil
	}
	description := req.GetString("description", "")
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.CreateSpotTransaction(ctx, cellID, payer, payee, amount, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create payment: %v", err)), nil
	}

	txID, _ := extractID(raw)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment created, pending both signatures.\nTransaction ID: %s\n\n%s",
		txID, formatJSON(raw))), nil
}

// HandleSignAndExecutePayment signs a pending payment as both parties and executes it.
func (h *Handlers) HandleSignAndExecutePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	transactionID := req.GetString("transaction_id", "")
	if transactionID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	payerSigHex := req.GetString("payer_signature", "")
	payeeSigHex := req.GetString("payee_signature", "")
	if payerSigHex == "" || payeeSigHex == "" {
		return mcp.NewToolResultError("payer_signature and payee_signature are required"), nil
	}

	payerSig, err := hex.DecodeString(payerSigHex)
	if err != nil {
		return mcp.NewToolResultError("payer_signature must be hex-encoded"), nil
	}
	payeeSig, err := hex.DecodeString(payeeSigHex)
	if err != nil {
		return mcp.NewToolResultError("payee_signature must be hex-encoded"), nil
	}

	if err := h.client.SignTransactionAsPayer(ctx, transactionID, payerSig); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payer signature rejected: %v", err)), nil
	}
	if err := h.client.SignTransactionAsPayee(ctx, transactionID, payeeSig); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payee signature rejected: %v", err)), nil
	}
	if err := h.client.ExecuteTransaction(ctx, transactionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Transaction %s executed.", transactionID)), nil
}

// HandleCreateCommitment creates a new commitment between two members.
func (h *Handlers) HandleCreateCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	promisor := req.GetString("promisor", "")
	promisee := req.GetString("promisee", "")
	category := req.GetString("category", "")
	if kind == "" || promisor == "" || promisee == "" || category == "" {
		return mcp.NewToolResultError("kind, promisor, promisee, and category are required"), nil
	}
	value := int64(req.GetFloat("value", 0))
	if value <= 0 {
		return mcp.NewToolResultError("value must be greater than zero"), nil
	}
	description := req.GetString("description", "")
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.CreateCommitment(ctx, cellID, kind, promisor, promisee, value, category, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create commitment: %v", err)), nil
	}

	commitmentID, _ := extractID(raw)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Commitment created, awaiting acceptance.\nCommitment ID: %s\n\n%s",
		commitmentID, formatJSON(raw))), nil
}

// HandleFulfillCommitment marks a commitment fulfilled and settles it.
func (h *Handlers) HandleFulfillCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commitmentID := req.GetString("commitment_id", "")
	confirmedBy := req.GetString("confirmed_by", "")
	if commitmentID == "" || confirmedBy == "" {
		return mcp.NewToolResultError("commitment_id and confirmed_by are required"), nil
	}
	notes := req.GetString("notes", "")

	var rating *int
	if r := req.GetInt("rating", 0); r > 0 {
		rating = &r
	}

	raw, err := h.client.FulfillCommitment(ctx, commitmentID, confirmedBy, rating, notes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fulfill commitment: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Commitment %s fulfilled and settled.\n\n%s", commitmentID, formatJSON(raw))), nil
}

// HandleDisputeCommitment disputes a commitment for governance review.
func (h *Handlers) HandleDisputeCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commitmentID := req.GetString("commitment_id", "")
	reason := req.GetString("reason", "")
	if commitmentID == "" || reason == "" {
		return mcp.NewToolResultError("commitment_id and reason are required"), nil
	}

	raw, err := h.client.DisputeCommitment(ctx, commitmentID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Commitment %s disputed.\n\n%s", commitmentID, formatJSON(raw))), nil
}

// HandleGetEmergencyState returns a cell's current risk state.
func (h *Handlers) HandleGetEmergencyState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cellID := req.GetString("cell_id", "")

	raw, err := h.client.GetEmergencyState(ctx, cellID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get emergency state: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatJSON(raw json.RawMessage) string {
	pretty, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(pretty)
}

// extractID pulls an "id" or "transaction_id" field out of a JSON object
// response, for handlers that want to surface it in their summary line.
func extractID(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}
	for _, key := range []string{"id", "ID", "transaction_id"} {
		if v, ok := m[key].(string); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("no id in response")
}
