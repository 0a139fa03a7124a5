package tool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"

	"mailflow/internal/domain"
)

// DatasafeBackend abstracts the attachment blob store behind the tool so
// tests can substitute an in-memory stand-in.
type DatasafeBackend interface {
	Put(flowID, filename string, data []byte) (string, error)
	Get(datasafePath string) ([]byte, error)
}

// DatasafeDownloadResult is the JSON-in-text envelope a successful
// "download" action returns. The Decision Engine's tool loop recognises
// this shape by tool name and buffers it for attachment capture
// (spec.md §4.6).
type DatasafeDownloadResult struct {
	Filename      string `json:"filename"`
	MimeType      string `json:"mime_type"`
	Size          int    `json:"size"`
	ContentBase64 string `json:"content_base64"`
}

// DatasafeTool lets an agent pull a previously stored attachment into the
// conversation (download) or stash new bytes for later sending (upload),
// spec.md §4.5's "datasafe" backend.
type DatasafeTool struct {
	backend DatasafeBackend
	logger  *slog.Logger
}

// NewDatasafeTool builds the datasafe tool.
func NewDatasafeTool(backend DatasafeBackend, logger *slog.Logger) *DatasafeTool {
	return &DatasafeTool{backend: backend, logger: logger}
}

func (t *DatasafeTool) Name() string { return "datasafe" }
func (t *DatasafeTool) Description() string {
	return "Download a stored attachment by its datasafe path into the conversation, " +
		"or upload new file bytes so they can be attached to the final reply."
}

func (t *DatasafeTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["download", "upload"],
					"description": "download reads a stored attachment; upload stores new bytes"
				},
				"datasafe_path": {
					"type": "string",
					"description": "Path returned by a prior upload or by an attachment descriptor (download only)"
				},
				"filename": {
					"type": "string",
					"description": "File name, used to infer MIME type (upload only)"
				},
				"content_base64": {
					"type": "string",
					"description": "Base64-encoded file content (upload only)"
				}
			},
			"required": ["action"]
		}`),
	}
}

type datasafeParams struct {
	Action        string `json:"action"`
	DatasafePath  string `json:"datasafe_path,omitempty"`
	Filename      string `json:"filename,omitempty"`
	ContentBase64 string `json:"content_base64,omitempty"`
}

func (t *DatasafeTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.datasafe", t.logger, params,
		Dispatch(func(p datasafeParams) string { return p.Action }, ActionMap[datasafeParams]{
			"download": t.handleDownload,
			"upload":   t.handleUpload,
		}),
	)
}

func (t *DatasafeTool) handleDownload(_ context.Context, p datasafeParams) (any, error) {
	if err := RequireField("datasafe_path", p.DatasafePath); err != nil {
		return nil, err
	}
	data, err := t.backend.Get(p.DatasafePath)
	if err != nil {
		return nil, fmt.Errorf("datasafe path %q not found: %w", p.DatasafePath, err)
	}
	return DatasafeDownloadResult{
		Filename:      filepath.Base(p.DatasafePath),
		MimeType:      inferMimeType(p.DatasafePath),
		Size:          len(data),
		ContentBase64: base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (t *DatasafeTool) handleUpload(ctx context.Context, p datasafeParams) (any, error) {
	if err := RequireFields("filename", p.Filename, "content_base64", p.ContentBase64); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		return nil, fmt.Errorf("content_base64 is not valid base64: %w", err)
	}
	flowID := domain.FlowIDFromContext(ctx)
	path, err := t.backend.Put(flowID, p.Filename, data)
	if err != nil {
		return nil, err
	}
	return TextResult(fmt.Sprintf("Stored %q as datasafe path %q.", p.Filename, path)), nil
}

func inferMimeType(name string) string {
	if ext := filepath.Ext(name); ext != "" {
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return "application/octet-stream"
}
