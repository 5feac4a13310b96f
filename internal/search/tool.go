package search

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Searcher is the surface the tool adapter needs; implemented by Client.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// ToolArgs is the argument payload of the remote search_google function.
type ToolArgs struct {
	Query      string `json:"query"`
	SearchType string `json:"search_type,omitempty"`
}

// Tool adapts a Searcher to the poller's tool-dispatch contract. Failures are
// encoded as a structured {"error": ...} payload so the remote run stays
// alive.
func Tool(s Searcher, logger *slog.Logger) func(ctx context.Context, args json.RawMessage) string {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, raw json.RawMessage) string {
		var args ToolArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			logger.Warn("invalid search tool arguments", "error", err)
			return errorPayload("invalid arguments: " + err.Error())
		}
		if args.Query == "" {
			return errorPayload("query is required")
		}

		results, err := s.Search(ctx, args.Query)
		if err != nil {
			logger.Warn("search tool failed", "query", args.Query, "error", err)
			return errorPayload(err.Error())
		}

		logger.Info("search tool completed", "query", args.Query, "search_type", args.SearchType, "results", len(results))
		payload, err := json.Marshal(results)
		if err != nil {
			return errorPayload("failed to serialize results")
		}
		return string(payload)
	}
}

func errorPayload(message string) string {
	payload, _ := json.Marshal(map[string]string{"error": message})
	return string(payload)
}
