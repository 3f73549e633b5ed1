// Package mockengine is a deterministic engine.Engine for development and
// tests. Models are marker directories under a models dir; generation echoes
// the prompt word by word, or replays a fixed script when one is configured.
package mockengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mlxhost/engine"
	"mlxhost/protocol"
)

type Option func(*Engine)

// WithScript replays the given chunks for every generation instead of
// echoing the prompt.
func WithScript(chunks ...string) Option {
	return func(e *Engine) { e.script = chunks }
}

// WithChunkDelay inserts a pause before each chunk, so cancellation races
// are observable.
func WithChunkDelay(d time.Duration) Option {
	return func(e *Engine) { e.delay = d }
}

type Engine struct {
	modelsDir string
	script    []string
	delay     time.Duration

	mu      sync.Mutex
	loaded  map[string]struct{}
	cancels map[string]*atomic.Bool
}

func New(modelsDir string, opts ...Option) *Engine {
	e := &Engine{
		modelsDir: modelsDir,
		loaded:    make(map[string]struct{}),
		cancels:   make(map[string]*atomic.Bool),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (engine.DownloadResult, error) {
	var model string
	switch source.Kind {
	case protocol.DownloadKindHuggingFace:
		if source.Repo == "" {
			return engine.DownloadResult{}, errors.New("mockengine: huggingface source requires repo")
		}
		model = strings.ReplaceAll(source.Repo, "/", "--")
	case protocol.DownloadKindLocalPath:
		if source.Path == "" {
			return engine.DownloadResult{}, errors.New("mockengine: localPath source requires path")
		}
		model = filepath.Base(source.Path)
	default:
		return engine.DownloadResult{}, fmt.Errorf("mockengine: unknown download kind %q", source.Kind)
	}

	dir := modelsDir
	if dir == "" {
		dir = e.modelsDir
	}
	local := filepath.Join(dir, model)
	if err := os.MkdirAll(local, 0o755); err != nil {
		return engine.DownloadResult{}, err
	}
	return engine.DownloadResult{Model: model, LocalPath: local}, nil
}

func (e *Engine) Load(ctx context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded[model] = struct{}{}
	return nil
}

func (e *Engine) Unload(ctx context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, model)
	return nil
}

func (e *Engine) Delete(ctx context.Context, model string) error {
	e.mu.Lock()
	delete(e.loaded, model)
	e.mu.Unlock()
	return os.RemoveAll(filepath.Join(e.modelsDir, model))
}

func (e *Engine) List(ctx context.Context) (cached, loaded []string, err error) {
	entries, err := os.ReadDir(e.modelsDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	cached = []string{}
	for _, ent := range entries {
		if ent.IsDir() {
			cached = append(cached, ent.Name())
		}
	}

	e.mu.Lock()
	loaded = make([]string, 0, len(e.loaded))
	for m := range e.loaded {
		loaded = append(loaded, m)
	}
	e.mu.Unlock()

	sort.Strings(cached)
	sort.Strings(loaded)
	return cached, loaded, nil
}

func (e *Engine) Stream(ctx context.Context, requestID string, req engine.StreamRequest) (engine.TokenStream, error) {
	chunks := e.script
	if chunks == nil {
		words := strings.Fields(req.Prompt)
		chunks = make([]string, 0, len(words))
		for i, w := range words {
			if i < len(words)-1 {
				w += " "
			}
			chunks = append(chunks, w)
		}
	}
	if req.MaxTokens > 0 && len(chunks) > req.MaxTokens {
		chunks = chunks[:req.MaxTokens]
	}

	flag := &atomic.Bool{}
	e.mu.Lock()
	e.cancels[requestID] = flag
	e.mu.Unlock()

	return &tokenStream{
		engine:    e,
		requestID: requestID,
		chunks:    chunks,
		stop:      req.Stop,
		delay:     e.delay,
		cancelled: flag,
	}, nil
}

func (e *Engine) Cancel(requestID string) {
	e.mu.Lock()
	flag := e.cancels[requestID]
	e.mu.Unlock()
	if flag != nil {
		flag.Store(true)
	}
}

func (e *Engine) Reset(ctx context.Context, unloadAll, clearCache bool) error {
	e.mu.Lock()
	if unloadAll {
		e.loaded = make(map[string]struct{})
	}
	e.mu.Unlock()

	if clearCache {
		entries, err := os.ReadDir(e.modelsDir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		for _, ent := range entries {
			if err := os.RemoveAll(filepath.Join(e.modelsDir, ent.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

type tokenStream struct {
	engine    *Engine
	requestID string
	chunks    []string
	stop      []string
	delay     time.Duration
	cancelled *atomic.Bool

	i    int
	text strings.Builder
}

// Next observes cancellation at chunk boundaries, as real engines are
// required to.
func (s *tokenStream) Next(ctx context.Context) (string, error) {
	if s.cancelled.Load() {
		s.release()
		return "", context.Canceled
	}
	if err := ctx.Err(); err != nil {
		s.release()
		return "", err
	}
	if s.i >= len(s.chunks) {
		s.release()
		return "", io.EOF
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			s.release()
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.cancelled.Load() {
		s.release()
		return "", context.Canceled
	}

	tok := s.chunks[s.i]
	s.i++
	s.text.WriteString(tok)
	for _, stop := range s.stop {
		if stop != "" && strings.Contains(s.text.String(), stop) {
			s.i = len(s.chunks)
		}
	}
	return tok, nil
}

func (s *tokenStream) release() {
	s.engine.mu.Lock()
	delete(s.engine.cancels, s.requestID)
	s.engine.mu.Unlock()
}
