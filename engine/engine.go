// Package engine defines the narrow capability contract the host dispatcher
// consumes. Implementations live outside this module; internal/mockengine
// provides a development stand-in.
package engine

import (
	"context"

	"mlxhost/protocol"
)

// DownloadResult reports where a fetched model landed.
type DownloadResult struct {
	Model     string
	LocalPath string
}

// StreamRequest is what the dispatcher hands the engine after splitting the
// chat transcript: Prompt is the content of the last user message, History
// everything before it in order.
type StreamRequest struct {
	Model     string
	Prompt    string
	History   []protocol.ChatMessage
	MaxTokens int
	Stop      []string
	Sampling  *protocol.Sampling
}

// TokenStream yields textual chunks one at a time. Next returns io.EOF when
// the generation is complete, and must observe both ctx and Engine.Cancel at
// chunk boundaries.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
}

// Engine is the inference backend. Method calls may block on long I/O or
// compute; the dispatcher runs them off its routing path. Per-model
// load/unload are serialized by the engine itself.
type Engine interface {
	Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (DownloadResult, error)
	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
	Delete(ctx context.Context, model string) error
	List(ctx context.Context) (cached, loaded []string, err error)

	// Stream starts a generation for requestID. The returned stream is
	// cancellable via ctx or Cancel(requestID).
	Stream(ctx context.Context, requestID string, req StreamRequest) (TokenStream, error)

	// Cancel signals the in-flight stream for requestID. Idempotent; unknown
	// ids are ignored.
	Cancel(requestID string)

	Reset(ctx context.Context, unloadAll, clearCache bool) error
}
