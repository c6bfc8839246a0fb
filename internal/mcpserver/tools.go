package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the risktier MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolAnalyzeAddress = mcp.NewTool("analyze_address",
	mcp.WithDescription(
		"Analyze a Stellar address's recent on-chain activity and return its risk score (0-100, higher is riskier), "+
			"risk tier (TIER_1 safest to TIER_3 riskiest), confidence, and a plain-language explanation. "+
			"Results are cached for an hour unless force is set."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account (G...) or contract (C...) address")),
	mcp.WithBoolean("force",
		mcp.Description("Bypass the cache and recompute from ledger history")),
)

var ToolCommitEligibility = mcp.NewTool("commit_eligibility",
	mcp.WithDescription(
		"Check whether an address may commit a risk score on-chain now. "+
			"Each address may commit at most once every 24 hours."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account address (G...)")),
)

var ToolCommitScore = mcp.NewTool("commit_score",
	mcp.WithDescription(
		"Record a risk score on-chain in the risk-tier contract using the server's signing key. "+
			"When the network is unavailable the score is stored locally instead and marked as not yet authoritative."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account address (G...) whose score is committed")),
	mcp.WithNumber("score",
		mcp.Required(),
		mcp.Description("Risk score between 0 and 100, usually from analyze_address")),
	mcp.WithString("chosen_tier",
		mcp.Description("Tier to record instead of the one derived from the score"),
		mcp.Enum("TIER_1", "TIER_2", "TIER_3")),
)

var ToolListFallbackCommits = mcp.NewTool("list_fallback_commits",
	mcp.WithDescription(
		"List scores that were stored locally because the on-chain commit could not complete."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Stellar account address (G...)")),
)
