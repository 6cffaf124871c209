package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/errs"
)

// Serve runs the dispatcher as an MCP server on stdio. This is the
// serve-time lifecycle that owns the one-shot auto-reindex.
func (d *Dispatcher) Serve(ctx context.Context) error {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "context-vault",
		Version: d.opts.Version,
	}, nil)
	d.RegisterTools(server)
	return server.Run(ctx, &mcp.StdioTransport{})
}

// RegisterTools registers the seven operations on an MCP server.
func (d *Dispatcher) RegisterTools(server *mcp.Server) {
	readOnly := &mcp.ToolAnnotations{ReadOnlyHint: true}
	boolPtr := func(b bool) *bool { return &b }
	writeNonDestructive := &mcp.ToolAnnotations{DestructiveHint: boolPtr(false), IdempotentHint: true}
	writeDestructive := &mcp.ToolAnnotations{DestructiveHint: boolPtr(true)}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_context",
		Description: "Search the knowledge vault. Combines full-text and semantic retrieval with category-aware recency.\n\nArgs:\n  query: Natural language search text\n  kind: Filter by entry kind (e.g. 'insight', 'contact')\n  category: Filter by category ('knowledge', 'entity', 'event')\n  identity_key: Exact entity lookup (requires kind)\n  tags: Tags to filter by (any match)\n  since/until: RFC3339 time bounds\n  limit: Max results (default 10, max 100)\n\nProvide a query and/or at least one filter.",
		Annotations: readOnly,
	}, wrap(d.GetContext))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "save_context",
		Description: "Create or update a vault entry. New entries need kind and body; pass id to update (kind and identity_key are immutable). Entity kinds (contact, person, project, ...) upsert on identity_key.\n\nArgs:\n  kind: Entry kind (e.g. 'insight', 'decision', 'contact')\n  body: Markdown content (required)\n  title, meta, tags, source, folder, identity_key, expires_at: optional\n  id: Update an existing entry",
		Annotations: writeNonDestructive,
	}, wrap(d.SaveContext))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_context",
		Description: "Browse vault entries without ranking: newest first, with filters and pagination.\n\nArgs:\n  kind, category, tags, since, until: filters\n  limit: Page size (default 20, max 100)\n  offset: Pagination offset",
		Annotations: readOnly,
	}, wrap(d.ListContext))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_context",
		Description: "Delete a vault entry by id. Removes the file, the vector, and the row.\n\nArgs:\n  id: Entry id (26-char ULID)",
		Annotations: writeDestructive,
	}, wrap(d.DeleteContext))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_feedback",
		Description: "File feedback about the vault itself.\n\nArgs:\n  type: 'bug', 'feature', 'praise', or 'other'\n  severity: optional severity label\n  body: The feedback text",
		Annotations: writeNonDestructive,
	}, wrap(d.SubmitFeedback))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_url",
		Description: "Capture a web page as a vault entry. The page is parsed by the configured URL parser; the result goes through the normal save pipeline.\n\nArgs:\n  url: Page URL\n  kind: Optional kind override (default 'article')\n  folder: Optional subfolder",
		Annotations: writeNonDestructive,
	}, wrap(d.IngestURL))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "context_status",
		Description: "Diagnostic snapshot of the vault: file and entry counts, database size, stale paths, expired entries, and embedding coverage.",
		Annotations: readOnly,
	}, wrap(func(ctx context.Context, _ struct{}) (*StatusResult, error) {
		return d.ContextStatus(ctx)
	}))
}

// wrap adapts a typed operation to the MCP handler shape, rendering
// results as JSON and engine errors as their stable codes.
func wrap[In, Out any](fn func(context.Context, In) (Out, error)) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return errorResult(err), nil, nil
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return errorResult(errs.Wrap(errs.Unknown, err, "encode response")), nil, nil
		}
		return textResult(string(data)), nil, nil
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// errorResult renders the stable error envelope. Tool-level failures are
// data, not protocol errors.
func errorResult(err error) *mcp.CallToolResult {
	detail := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		detail = e.Msg
	}
	data, _ := json.Marshal(map[string]string{
		"error":  string(errs.CodeOf(err)),
		"detail": detail,
	})
	res := textResult(string(data))
	res.IsError = true
	return res
}

// ParserFunc adapts a function to the URLParser interface.
type ParserFunc func(ctx context.Context, url string) (capture.Input, error)

// Parse implements URLParser.
func (f ParserFunc) Parse(ctx context.Context, url string) (capture.Input, error) {
	return f(ctx, url)
}
