// Package mcp exposes read-only inspection tools over the Model Context
// Protocol: pool occupancy, the chain head and the reconciler's matching
// state. Nothing here mutates the chain or the database.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/unifralabs/pandoras-box/internal/pending"
	"github.com/unifralabs/pandoras-box/internal/reconciler"
	"github.com/unifralabs/pandoras-box/internal/rpc"
)

// Deps are the read-only backends the tools query. Store is nil when no
// reconciler database is configured; the reconciliation tools then say so
// instead of failing.
type Deps struct {
	Client rpc.Client
	Store  *reconciler.Store
	Logger *slog.Logger
}

// RegisterTools registers all inspection tools on the MCP server.
func RegisterTools(s *server.MCPServer, deps Deps) {
	registerPendingCount(s, deps)
	registerChainHead(s, deps)
	registerReconciliationStatus(s, deps)
	registerRecentWithdrawals(s, deps)
}

func registerPendingCount(s *server.MCPServer, deps Deps) {
	tool := gomcp.NewTool("pending_count",
		gomcp.WithDescription("Count transactions waiting in the node's pool, preferring txpool_content over txpool_status."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		count, err := pending.Count(ctx, deps.Client, deps.Logger)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Pool query failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Transaction Pool"),
			kv("Pending", formatNumber(count.Pending)),
			kv("Queued", formatNumber(count.Queued)),
		)), nil
	})
}

func registerChainHead(s *server.MCPServer, deps Deps) {
	tool := gomcp.NewTool("chain_head",
		gomcp.WithDescription("Summarize the latest block: height, hash, transaction count and gas utilization."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		head, err := deps.Client.BlockNumber(ctx)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Head query failed: %v", err)), nil
		}
		block, err := deps.Client.GetBlockByNumber(ctx, head, false)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Block %d fetch failed: %v", head, err)), nil
		}
		if block == nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Block %d not available", head)), nil
		}

		utilization := 0.0
		if block.GasLimit > 0 {
			utilization = float64(block.GasUsed) / float64(block.GasLimit) * 100
		}
		return gomcp.NewToolResultText(joinLines(
			section("Chain Head"),
			kv("Height", formatNumber(block.Number)),
			kv("Hash", block.Hash.Hex()),
			kv("Transactions", formatNumber(block.TxCount())),
			kv("Gas Used", formatNumber(block.GasUsed)),
			kv("Utilization", formatPct(utilization)),
			kv("Timestamp", block.Timestamp.UTC().Format(time.RFC3339)),
		)), nil
	})
}

func registerReconciliationStatus(s *server.MCPServer, deps Deps) {
	tool := gomcp.NewTool("reconciliation_status",
		gomcp.WithDescription("Report withdrawal matching progress from the reconciler database: totals plus the unmatched count per side."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if deps.Store == nil {
			return gomcp.NewToolResultError("No reconciler database configured. Set PANDORAS_DB_PATH."), nil
		}
		progress, err := deps.Store.Stats(ctx)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stats query failed: %v", err)), nil
		}

		rate := 0.0
		if progress.Total > 0 {
			rate = float64(progress.Matched) / float64(progress.Total) * 100
		}
		return gomcp.NewToolResultText(joinLines(
			section("Withdrawal Reconciliation"),
			kv("Total", formatNumber(progress.Total)),
			kv("Matched", formatNumber(progress.Matched)),
			kv("L2 Only", formatNumber(progress.L2Only)),
			kv("L1 Only", formatNumber(progress.L1Only)),
			kv("Match Rate", formatPct(rate)),
		)), nil
	})
}

func registerRecentWithdrawals(s *server.MCPServer, deps Deps) {
	tool := gomcp.NewTool("recent_withdrawals",
		gomcp.WithDescription("List the most recent withdrawals by uid with both sides of each: L2 request and L1 payout."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max rows to return (default: 10, max: 100)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		if deps.Store == nil {
			return gomcp.NewToolResultError("No reconciler database configured. Set PANDORAS_DB_PATH."), nil
		}
		limit := req.GetInt("limit", 10)
		if limit < 1 {
			limit = 10
		}
		if limit > 100 {
			limit = 100
		}
		rows, err := deps.Store.RecentWithdrawals(ctx, limit)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Withdrawal query failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatWithdrawals(rows)), nil
	})
}

// formatWithdrawals renders one line per row: the uid, each side's height
// (a dash while that side is missing) and the match state.
func formatWithdrawals(rows []reconciler.TxRow) string {
	lines := section("Recent Withdrawals")
	if len(rows) == 0 {
		return lines + "\nNo withdrawals recorded."
	}
	for _, row := range rows {
		l2 := "-"
		if row.L2Height.Valid {
			l2 = formatNumber(row.L2Height.Int64)
		}
		l1 := "-"
		if row.L1Height.Valid {
			l1 = formatNumber(row.L1Height.Int64)
		}
		state := "pending"
		if row.Matched() {
			state = "matched"
		}
		lines += fmt.Sprintf("\n  uid=%-12d l2=%-10s l1=%-10s %s", row.UID, l2, l1, state)
	}
	return lines
}
