package client

import (
	"context"

	"mlxhost/protocol"
)

// Generate runs a one-shot generation; the host streams internally and
// returns the accumulated text.
func (c *Conn) Generate(ctx context.Context, req protocol.GenerateRequest) (*protocol.GenerateResponse, error) {
	var resp protocol.GenerateResponse
	if err := c.Call(ctx, protocol.TypeInferenceGenerate, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Download fetches a model through the host's engine.
func (c *Conn) Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (*protocol.ModelDownloadOKPayload, error) {
	var resp protocol.ModelDownloadOKPayload
	err := c.Call(ctx, protocol.TypeModelDownload, protocol.ModelDownloadPayload{
		Source:    source,
		ModelsDir: modelsDir,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Conn) LoadModel(ctx context.Context, model string) error {
	return c.Call(ctx, protocol.TypeModelLoad, protocol.ModelPayload{Model: model}, nil)
}

func (c *Conn) UnloadModel(ctx context.Context, model string) error {
	return c.Call(ctx, protocol.TypeModelUnload, protocol.ModelPayload{Model: model}, nil)
}

func (c *Conn) DeleteModel(ctx context.Context, model string) error {
	return c.Call(ctx, protocol.TypeModelDelete, protocol.ModelPayload{Model: model}, nil)
}

// ListModels returns the cached and loaded model names, each sorted.
func (c *Conn) ListModels(ctx context.Context) (cached, loaded []string, err error) {
	var resp protocol.ModelListOKPayload
	if err := c.Call(ctx, protocol.TypeModelList, struct{}{}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Cached, resp.Loaded, nil
}

// Reset unloads all models when unloadAll is set and clears the cache when
// clearCache is set.
func (c *Conn) Reset(ctx context.Context, unloadAll, clearCache bool) error {
	return c.Call(ctx, protocol.TypeReset, protocol.ResetPayload{
		UnloadAll:  &unloadAll,
		ClearCache: clearCache,
	}, nil)
}
