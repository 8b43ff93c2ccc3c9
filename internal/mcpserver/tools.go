package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the cell MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check a member's current balance, credit limit, reserve, and status within a cell."),
	mcp.WithString("member_id",
		mcp.Required(),
		mcp.Description("The member's id within the cell")),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)

var ToolListMembers = mcp.NewTool("list_members",
	mcp.WithDescription(
		"List every member of a cell along with their balance, limit, and status."),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)

var ToolGetCellStats = mcp.NewTool("get_cell_stats",
	mcp.WithDescription(
		"Get aggregate statistics for a cell: total issuance, floor mass, member count, "+
			"and other health indicators for the mutual-credit pool."),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)

var ToolCreatePayment = mcp.NewTool("create_payment",
	mcp.WithDescription(
		"Create a spot payment between two members of a cell. The transaction starts Pending "+
			"and needs both parties' signatures (see sign_and_execute_payment) before it settles."),
	mcp.WithString("payer",
		mcp.Required(),
		mcp.Description("The paying member's id")),
	mcp.WithString("payee",
		mcp.Required(),
		mcp.Description("The receiving member's id")),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount to transfer, in the cell's unit currency")),
	mcp.WithString("description",
		mcp.Description("Optional memo describing the payment")),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)

var ToolSignAndExecutePayment = mcp.NewTool("sign_and_execute_payment",
	mcp.WithDescription(
		"Attach the payer's and payee's signatures to a pending payment and execute it, "+
			"applying the balance update to the ledger. Both signatures must already exist "+
			"(hex-encoded) from the respective member's identity key."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction id returned by create_payment")),
	mcp.WithString("payer_signature",
		mcp.Required(),
		mcp.Description("Hex-encoded signature over the transaction, from the payer's key")),
	mcp.WithString("payee_signature",
		mcp.Required(),
		mcp.Description("Hex-encoded signature over the transaction, from the payee's key")),
)

var ToolCreateCommitment = mcp.NewTool("create_commitment",
	mcp.WithDescription(
		"Create a future-dated commitment: a promise from one member to another to perform "+
			"a task (e.g. childcare, tutoring, home repair), settling into a payment once fulfilled. "+
			"An Escrowed commitment locks the promisor's reserve capacity until it settles or is cancelled."),
	mcp.WithString("kind",
		mcp.Required(),
		mcp.Description("'soft' (no reserve lock) or 'escrowed' (locks promisor capacity)"),
		mcp.Enum("soft", "escrowed")),
	mcp.WithString("promisor",
		mcp.Required(),
		mcp.Description("The member id promising to perform the task")),
	mcp.WithString("promisee",
		mcp.Required(),
		mcp.Description("The member id the task is promised to")),
	mcp.WithNumber("value",
		mcp.Required(),
		mcp.Description("The value of the commitment, in the cell's unit currency")),
	mcp.WithString("category",
		mcp.Required(),
		mcp.Description("One of the enumerated task categories"),
		mcp.Enum("childcare", "eldercare", "home_repair", "transport", "food_prep", "tutoring", "gardening", "tech_support", "other")),
	mcp.WithString("description",
		mcp.Description("Free-text description of the task")),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)

var ToolFulfillCommitment = mcp.NewTool("fulfill_commitment",
	mcp.WithDescription(
		"Mark a commitment fulfilled and settle it into a payment from promisee to promisor."),
	mcp.WithString("commitment_id",
		mcp.Required(),
		mcp.Description("The commitment id from a previous create_commitment result")),
	mcp.WithString("confirmed_by",
		mcp.Required(),
		mcp.Description("The member id confirming fulfilment (must be the promisee)")),
	mcp.WithNumber("rating",
		mcp.Description("Optional 1-5 rating of how well the commitment was fulfilled")),
	mcp.WithString("notes",
		mcp.Description("Optional notes about the fulfilment")),
)

var ToolDisputeCommitment = mcp.NewTool("dispute_commitment",
	mcp.WithDescription(
		"Dispute a commitment that was not fulfilled as promised, flagging it for governance review."),
	mcp.WithString("commitment_id",
		mcp.Required(),
		mcp.Description("The commitment id to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of why the commitment is being disputed")),
)

var ToolGetEmergencyState = mcp.NewTool("get_emergency_state",
	mcp.WithDescription(
		"Get a cell's current risk state (normal/stressed/panic) and the underlying indicators "+
			"(floor mass, dispute rate, overall stress) driving it."),
	mcp.WithString("cell_id",
		mcp.Description("The cell id. Defaults to the server's configured cell if omitted.")),
)
