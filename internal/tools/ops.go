package tools

import (
	"context"
	"strings"

	"github.com/contextvault/contextvault/internal/capture"
	"github.com/contextvault/contextvault/internal/entry"
	"github.com/contextvault/contextvault/internal/errs"
	"github.com/contextvault/contextvault/internal/search"
)

// GetContextInput is the get_context request. At least one of query,
// kind, category, identity_key, or tags must be provided.
type GetContextInput struct {
	Query       string   `json:"query,omitempty"`
	Kind        string   `json:"kind,omitempty"`
	Category    string   `json:"category,omitempty"`
	IdentityKey string   `json:"identity_key,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Since       string   `json:"since,omitempty"`
	Until       string   `json:"until,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// GetContextResult is the get_context response.
type GetContextResult struct {
	Results  []EntryView `json:"results"`
	Warnings []string    `json:"warnings,omitempty"`
}

// GetContext runs hybrid retrieval.
func (d *Dispatcher) GetContext(ctx context.Context, in GetContextInput) (*GetContextResult, error) {
	if in.Query == "" && in.Kind == "" && in.Category == "" &&
		in.IdentityKey == "" && len(in.Tags) == 0 {
		return nil, errs.New(errs.InvalidInput, "provide a query or at least one filter")
	}
	if err := validCategory(in.Category); err != nil {
		return nil, err
	}

	since, err := parseTime(in.Since, "since")
	if err != nil {
		return nil, err
	}
	until, err := parseTime(in.Until, "until")
	if err != nil {
		return nil, err
	}

	q := search.Query{
		Text:        in.Query,
		Kind:        normalizeKindInput(in.Kind),
		Category:    in.Category,
		IdentityKey: in.IdentityKey,
		Tags:        in.Tags,
		Since:       since,
		Until:       until,
		Limit:       in.Limit,
	}

	v, notes, err := d.run(ctx, "get_context", true, func(context.Context) (any, error) {
		rs, note, err := search.Search(d.tc, q)
		if err != nil {
			return nil, err
		}
		out := &GetContextResult{Results: d.results(rs, true)}
		if note != "" {
			out.Warnings = append(out.Warnings, note)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*GetContextResult)
	res.Warnings = append(notes, res.Warnings...)
	return res, nil
}

// SaveContextInput is the save_context request. With ID set it updates;
// pointer fields distinguish "absent" from "cleared" in update mode.
type SaveContextInput struct {
	ID          string         `json:"id,omitempty"`
	Kind        string         `json:"kind,omitempty"`
	Title       *string        `json:"title,omitempty"`
	Body        string         `json:"body,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Source      *string        `json:"source,omitempty"`
	Folder      string         `json:"folder,omitempty"`
	IdentityKey string         `json:"identity_key,omitempty"`
	ExpiresAt   string         `json:"expires_at,omitempty"`
}

// SaveContextResult is the save_context response.
type SaveContextResult struct {
	Entry    EntryView `json:"entry"`
	Warnings []string  `json:"warnings,omitempty"`
}

// SaveContext creates or updates an entry.
func (d *Dispatcher) SaveContext(ctx context.Context, in SaveContextInput) (*SaveContextResult, error) {
	if in.ID == "" && in.Kind == "" {
		return nil, errs.New(errs.InvalidInput, "kind is required for new entries")
	}
	expires, err := parseTime(in.ExpiresAt, "expires_at")
	if err != nil {
		return nil, err
	}

	ci := capture.Input{
		ID:          in.ID,
		Kind:        normalizeKindInput(in.Kind),
		Title:       in.Title,
		Body:        in.Body,
		Meta:        in.Meta,
		Tags:        in.Tags,
		Source:      in.Source,
		Folder:      in.Folder,
		IdentityKey: in.IdentityKey,
		ExpiresAt:   expires,
	}

	v, notes, err := d.run(ctx, "save_context", true, func(context.Context) (any, error) {
		e, err := capture.Capture(d.tc, ci)
		if err != nil {
			return nil, err
		}
		return &SaveContextResult{Entry: d.view(e, 0, false)}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*SaveContextResult)
	res.Warnings = notes
	return res, nil
}

// ListContextInput is the list_context request.
type ListContextInput struct {
	Kind     string   `json:"kind,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Since    string   `json:"since,omitempty"`
	Until    string   `json:"until,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Offset   int      `json:"offset,omitempty"`
}

// ListContextResult is the list_context response.
type ListContextResult struct {
	Results  []EntryView `json:"results"`
	Warnings []string    `json:"warnings,omitempty"`
}

// ListContext is the filter-only browse with pagination.
func (d *Dispatcher) ListContext(ctx context.Context, in ListContextInput) (*ListContextResult, error) {
	if err := validCategory(in.Category); err != nil {
		return nil, err
	}
	if in.Limit > search.MaxLimit {
		return nil, errs.New(errs.InvalidInput, "limit exceeds %d", search.MaxLimit)
	}
	if in.Offset < 0 {
		return nil, errs.New(errs.InvalidInput, "offset must be non-negative")
	}
	since, err := parseTime(in.Since, "since")
	if err != nil {
		return nil, err
	}
	until, err := parseTime(in.Until, "until")
	if err != nil {
		return nil, err
	}

	q := search.Query{
		Kind:     normalizeKindInput(in.Kind),
		Category: in.Category,
		Tags:     in.Tags,
		Since:    since,
		Until:    until,
		Limit:    in.Limit,
	}

	v, notes, err := d.run(ctx, "list_context", true, func(context.Context) (any, error) {
		rs, err := search.ListPage(d.tc, q, in.Offset)
		if err != nil {
			return nil, err
		}
		return &ListContextResult{Results: d.results(rs, false)}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*ListContextResult)
	res.Warnings = notes
	return res, nil
}

// DeleteContextInput is the delete_context request.
type DeleteContextInput struct {
	ID string `json:"id"`
}

// DeleteContextResult is the delete_context response.
type DeleteContextResult struct {
	Deleted  string   `json:"deleted"`
	Warnings []string `json:"warnings,omitempty"`
}

// DeleteContext removes an entry by id; ownership is verified and a
// foreign or absent id is NOT_FOUND either way.
func (d *Dispatcher) DeleteContext(ctx context.Context, in DeleteContextInput) (*DeleteContextResult, error) {
	if in.ID == "" {
		return nil, errs.New(errs.InvalidInput, "id is required")
	}
	_, notes, err := d.run(ctx, "delete_context", true, func(context.Context) (any, error) {
		return nil, capture.Delete(d.tc, in.ID)
	})
	if err != nil {
		return nil, err
	}
	return &DeleteContextResult{Deleted: in.ID, Warnings: notes}, nil
}

// SubmitFeedbackInput is the submit_feedback request.
type SubmitFeedbackInput struct {
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
	Body     string `json:"body"`
}

// feedbackTypes are the accepted feedback categories.
var feedbackTypes = map[string]bool{
	"bug": true, "feature": true, "praise": true, "other": true,
}

// SubmitFeedback is a convenience capture fixed to kind=feedback.
func (d *Dispatcher) SubmitFeedback(ctx context.Context, in SubmitFeedbackInput) (*SaveContextResult, error) {
	fbType := strings.ToLower(strings.TrimSpace(in.Type))
	if fbType == "" || !feedbackTypes[fbType] {
		return nil, errs.New(errs.InvalidInput, "type must be one of bug, feature, praise, other")
	}
	severity := strings.ToLower(strings.TrimSpace(in.Severity))
	if severity == "" {
		severity = "normal"
	}

	ci := capture.Input{
		Kind: "feedback",
		Body: in.Body,
		Tags: []string{fbType, severity},
		Meta: map[string]any{
			"feedback_type": fbType,
			"severity":      severity,
			"status":        "new",
		},
	}
	v, notes, err := d.run(ctx, "submit_feedback", true, func(context.Context) (any, error) {
		e, err := capture.Capture(d.tc, ci)
		if err != nil {
			return nil, err
		}
		return &SaveContextResult{Entry: d.view(e, 0, false)}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*SaveContextResult)
	res.Warnings = notes
	return res, nil
}

// IngestURLInput is the ingest_url request.
type IngestURLInput struct {
	URL    string `json:"url"`
	Kind   string `json:"kind,omitempty"`
	Folder string `json:"folder,omitempty"`
}

// IngestURL delegates parsing to the configured collaborator and captures
// the result.
func (d *Dispatcher) IngestURL(ctx context.Context, in IngestURLInput) (*SaveContextResult, error) {
	if in.URL == "" {
		return nil, errs.New(errs.InvalidInput, "url is required")
	}
	if d.opts.Parser == nil {
		return nil, errs.New(errs.IngestFailed, "no URL parser configured")
	}

	v, notes, err := d.run(ctx, "ingest_url", true, func(ctx context.Context) (any, error) {
		ci, err := d.opts.Parser.Parse(ctx, in.URL)
		if err != nil {
			return nil, errs.Wrap(errs.IngestFailed, err, "parse %s", in.URL)
		}
		if in.Kind != "" {
			ci.Kind = normalizeKindInput(in.Kind)
		}
		if ci.Kind == "" {
			ci.Kind = "article"
		}
		if ci.Source == nil {
			ci.Source = &in.URL
		}
		if in.Folder != "" {
			ci.Folder = in.Folder
		}
		e, err := capture.Capture(d.tc, ci)
		if err != nil {
			return nil, err
		}
		return &SaveContextResult{Entry: d.view(e, 0, false)}, nil
	})
	if err != nil {
		return nil, err
	}
	res := v.(*SaveContextResult)
	res.Warnings = notes
	return res, nil
}

// normalizeKindInput maps plural/singular variants to canonical singular
// once, at the dispatcher boundary. Internal code only sees canonical
// kinds.
func normalizeKindInput(kind string) string {
	if kind == "" {
		return ""
	}
	return entry.NormalizeKind(kind)
}

func validCategory(category string) error {
	switch category {
	case "", string(entry.Knowledge), string(entry.Entity), string(entry.Event):
		return nil
	default:
		return errs.New(errs.InvalidInput, "unknown category %q", category)
	}
}
