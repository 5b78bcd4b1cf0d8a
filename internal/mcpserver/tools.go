package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Trustforge MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetMatch = mcp.NewTool("get_match",
	mcp.WithDescription(
		"Look up a proposed skill match: both listings, their owners, fees, and the match score. "+
			"Use this before lock_deal to see what you are agreeing to."),
	mcp.WithString("match_id",
		mcp.Required(),
		mcp.Description("The match ID (e.g. 'mat_...')")),
)

var ToolLockDeal = mcp.NewTool("lock_deal",
	mcp.WithDescription(
		"Lock a proposed match into an exchange session. "+
			"Free exchanges become active immediately and release the session link. "+
			"Paid exchanges wait for the payer to call submit_payment. "+
			"Locking a match that is already locked returns the existing session."),
	mcp.WithString("match_id",
		mcp.Required(),
		mcp.Description("The match ID to lock (e.g. 'mat_...')")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Get the current state of an exchange session: state, version, payment status, "+
			"who has confirmed, and the session link once access is released."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID (e.g. 'ses_...')")),
)

var ToolMySessions = mcp.NewTool("my_sessions",
	mcp.WithDescription(
		"List your exchange sessions, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 20)")),
)

var ToolSubmitPayment = mcp.NewTool("submit_payment",
	mcp.WithDescription(
		"Pay the fee for a session you locked as the payer. "+
			"The transfer settles asynchronously; poll get_session until payment status is 'paid' "+
			"and the session becomes active."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID to pay for")),
	mcp.WithString("external_ref",
		mcp.Description("Payment method reference for card rails (e.g. 'pm_...'). Omit for on-chain or internal rails.")),
)

var ToolConfirmCompletion = mcp.NewTool("confirm_completion",
	mcp.WithDescription(
		"Confirm that the exchange happened. When both participants confirm, "+
			"the session completes and both earn reputation."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID to confirm")),
)

var ToolVoidSession = mcp.NewTool("void_session",
	mcp.WithDescription(
		"Cancel a session that has not completed. The match is released and can be proposed again."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session ID to void")),
	mcp.WithString("reason",
		mcp.Description("Why you are cancelling (max 500 characters)")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation score and tier for any identity. "+
			"Shows completed sessions, unique partners, and trust tier (new/emerging/established/trusted/elite)."),
	mcp.WithString("identity",
		mcp.Required(),
		mcp.Description("The identity's address (e.g. '0x1234...')")),
)
