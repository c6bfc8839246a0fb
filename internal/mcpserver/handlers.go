package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/risktier/internal/analysis"
	"github.com/mbd888/risktier/internal/commit"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RiskClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RiskClient) *Handlers {
	return &Handlers{client: client}
}

// HandleAnalyzeAddress returns a formatted risk report.
func (h *Handlers) HandleAnalyzeAddress(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	report, err := h.client.Analyze(ctx, address, req.GetBool("force", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to analyze address: %v", err)), nil
	}
	return mcp.NewToolResultText(formatReport(report)), nil
}

// HandleCommitEligibility reports the cooldown state.
func (h *Handlers) HandleCommitEligibility(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	elig, err := h.client.Eligibility(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check eligibility: %v", err)), nil
	}
	if elig.Eligibility.CanCommit {
		return mcp.NewToolResultText(fmt.Sprintf("%s can commit a score now.", elig.Address)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s cannot commit yet.\n", elig.Address)
	fmt.Fprintf(&sb, "Next commit available in %s", elig.Remaining)
	if at := elig.Eligibility.NextEligibleAt; at != nil {
		fmt.Fprintf(&sb, " (%s)", at.UTC().Format(time.RFC3339))
	}
	sb.WriteString(".\n")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCommitScore commits a score through the server's signer.
func (h *Handlers) HandleCommitScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}
	if _, ok := req.GetArguments()["score"]; !ok {
		return mcp.NewToolResultError("score is required"), nil
	}
	score := req.GetInt("score", -1)
	if score < 0 || score > 100 {
		return mcp.NewToolResultError("score must be between 0 and 100"), nil
	}

	res, err := h.client.Commit(ctx, address, score, req.GetString("chosen_tier", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Commit failed: %v", err)), nil
	}
	if !res.Successful {
		return mcp.NewToolResultError(formatCommit(res)), nil
	}
	return mcp.NewToolResultText(formatCommit(res)), nil
}

// HandleListFallbackCommits lists locally stored commits.
func (h *Handlers) HandleListFallbackCommits(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := strings.TrimSpace(req.GetString("address", ""))
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	entries, err := h.client.ListFallbacks(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list fallback commits: %v", err)), nil
	}
	return mcp.NewToolResultText(formatFallbacks(address, entries)), nil
}

// --- Formatting helpers ---

func formatReport(r *analysis.Report) string {
	if r == nil {
		return "No analysis returned."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk analysis for %s\n", r.Address)
	fmt.Fprintf(&sb, "  Score: %d/100 | Tier: %s | Confidence: %d%%\n", r.RiskScore, r.Tier, r.Confidence)
	fmt.Fprintf(&sb, "  Window: %d days | Data points: %d | Data quality: %d/100\n", r.WindowDays, r.DataPoints, r.Quality.Score)
	if r.Quality.NeedsMoreData {
		sb.WriteString("  Note: little activity on record; treat this score as provisional\n")
	}
	if r.Truncated {
		sb.WriteString("  Note: history was truncated; older activity was not considered\n")
	}
	if r.FromCache {
		fmt.Fprintf(&sb, "  Cached result computed at %s\n", r.ComputedAt.UTC().Format(time.RFC3339))
	}

	if len(r.Explanation) > 0 {
		sb.WriteString("\nWhy:\n")
		for _, e := range r.Explanation {
			fmt.Fprintf(&sb, "  - %s\n", e)
		}
	}
	if len(r.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&sb, "  - %s\n", rec)
		}
	}
	return sb.String()
}

func formatCommit(r *commit.Result) string {
	if r == nil {
		return "No commit result returned."
	}

	var sb strings.Builder
	switch {
	case r.Successful && r.Method == commit.MethodChain && r.Pending:
		sb.WriteString("Commit submitted; confirmation is still pending.\n")
	case r.Successful && r.Method == commit.MethodChain:
		sb.WriteString("Commit confirmed on-chain.\n")
	case r.Successful:
		sb.WriteString("Commit stored locally.\n")
	default:
		fmt.Fprintf(&sb, "Commit failed (%s): %s\n", r.ErrorKind, r.Error)
	}

	fmt.Fprintf(&sb, "  Address: %s\n", r.Address)
	fmt.Fprintf(&sb, "  Score: %d | Tier: %s", r.Score, r.Tier)
	if r.ChosenTier != "" && r.ChosenTier != r.Tier {
		fmt.Fprintf(&sb, " | Recorded tier: %s", r.ChosenTier)
	}
	sb.WriteString("\n")
	if r.TxHash != "" {
		fmt.Fprintf(&sb, "  Transaction: %s", r.TxHash)
		if r.Ledger > 0 {
			fmt.Fprintf(&sb, " (ledger %d)", r.Ledger)
		}
		sb.WriteString("\n")
	}
	if r.FallbackID != "" {
		fmt.Fprintf(&sb, "  Fallback ID: %s\n", r.FallbackID)
	}
	if r.Notice != "" {
		fmt.Fprintf(&sb, "  Note: %s\n", r.Notice)
	}
	if r.NextEligibleAt != nil {
		fmt.Fprintf(&sb, "  Next commit allowed after %s\n", r.NextEligibleAt.UTC().Format(time.RFC3339))
	}
	return sb.String()
}

func formatFallbacks(address string, entries []commit.Entry) string {
	if len(entries) == 0 {
		return fmt.Sprintf("No fallback commits stored for %s.", address)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d fallback commit(s) for %s:\n\n", len(entries), address)
	for i, e := range entries {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, e.ID)
		fmt.Fprintf(&sb, "   Score: %d | Tier: %s | Stored: %s\n", e.Score, e.ChosenTier, e.CreatedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "   Reason: %s\n", e.Reason)
		if i < len(entries)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
