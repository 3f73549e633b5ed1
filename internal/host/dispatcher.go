package host

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mlxhost/engine"
	"mlxhost/internal/logging"
	"mlxhost/protocol"
)

// ServerVersion is reported in handshake.ok.
const ServerVersion = "0.1.0"

// wire is the slice of conn the dispatcher needs; tests substitute a fake.
type wire interface {
	Send(env protocol.Envelope) error
	Close()
}

type streamState struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Dispatcher routes envelopes for one connection. It owns the per-request
// stream table and the connection's auth state; engine work runs on its own
// goroutines so long compute never starves the read loop.
type Dispatcher struct {
	engine    engine.Engine
	wire      wire
	logger    logging.Logger
	authToken string

	mu      sync.Mutex
	authed  bool
	streams map[string]*streamState
}

func NewDispatcher(eng engine.Engine, w wire, logger logging.Logger, authToken string) *Dispatcher {
	return &Dispatcher{
		engine:    eng,
		wire:      w,
		logger:    logger,
		authToken: authToken,
		authed:    authToken == "",
		streams:   make(map[string]*streamState),
	}
}

// Handle routes one decoded envelope. Reply ids echo the request id; when a
// request carries none, a generated id is echoed on every envelope for that
// request instead.
func (d *Dispatcher) Handle(ctx context.Context, env *protocol.Envelope) {
	id := env.ID
	if id == "" {
		id = uuid.NewString()
	}

	d.mu.Lock()
	authed := d.authed
	d.mu.Unlock()
	if !authed && env.Type != protocol.TypeHandshake {
		d.replyError(id, protocol.CodeUnauthorized, "Authentication required")
		d.wire.Close()
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		d.handleHandshake(id, env)
	case protocol.TypeModelDownload:
		go d.handleDownload(ctx, id, env)
	case protocol.TypeModelLoad, protocol.TypeModelUnload, protocol.TypeModelDelete:
		go d.handleModelOp(ctx, id, env.Type, env)
	case protocol.TypeModelList:
		go d.handleList(ctx, id)
	case protocol.TypeInferenceGenerate:
		d.handleGenerate(ctx, id, env)
	case protocol.TypeInferenceStream:
		d.handleStream(ctx, id, env)
	case protocol.TypeInferenceCancel:
		d.handleCancel(id, env)
	case protocol.TypeReset:
		go d.handleReset(ctx, id, env)
	default:
		d.replyError(id, protocol.CodeUnknownType, "Unknown message type: "+env.Type)
	}
}

// ConnClosed abandons all in-flight streams for this connection: their state
// is dropped and the engine is told to cancel each request id. Nothing is
// sent; the connection is gone.
func (d *Dispatcher) ConnClosed() {
	d.mu.Lock()
	streams := d.streams
	d.streams = make(map[string]*streamState)
	d.mu.Unlock()

	for id, st := range streams {
		st.cancelled = true
		st.cancel()
		d.engine.Cancel(id)
	}
}

func (d *Dispatcher) handleHandshake(id string, env *protocol.Envelope) {
	if d.authToken != "" {
		p, err := decodePayload[protocol.HandshakePayload](env)
		if err != nil || subtle.ConstantTimeCompare([]byte(p.AuthToken), []byte(d.authToken)) != 1 {
			d.replyError(id, protocol.CodeUnauthorized, "Invalid auth token")
			d.wire.Close()
			return
		}
		d.mu.Lock()
		d.authed = true
		d.mu.Unlock()
	}
	d.reply(id, protocol.TypeHandshakeOK, protocol.HandshakeOKPayload{
		ServerVersion: ServerVersion,
		Capabilities: protocol.Capabilities{
			ChatCompletions: true,
			Stream:          true,
			Download:        true,
		},
	})
}

func (d *Dispatcher) handleDownload(ctx context.Context, id string, env *protocol.Envelope) {
	p, err := decodePayload[protocol.ModelDownloadPayload](env)
	if err != nil || p.Source.Kind == "" {
		d.replyError(id, protocol.CodeBadRequest, "Missing or malformed download source")
		return
	}
	res, err := d.engine.Download(ctx, p.Source, p.ModelsDir)
	if err != nil {
		d.replyError(id, protocol.CodeInternal, err.Error())
		return
	}
	d.reply(id, protocol.TypeModelDownloadOK, protocol.ModelDownloadOKPayload{
		Model:     res.Model,
		LocalPath: res.LocalPath,
	})
}

func (d *Dispatcher) handleModelOp(ctx context.Context, id, typ string, env *protocol.Envelope) {
	p, err := decodePayload[protocol.ModelPayload](env)
	if err != nil || strings.TrimSpace(p.Model) == "" {
		d.replyError(id, protocol.CodeBadRequest, "Missing model name")
		return
	}
	switch typ {
	case protocol.TypeModelLoad:
		if err := d.engine.Load(ctx, p.Model); err != nil {
			d.replyError(id, protocol.CodeInternal, err.Error())
			return
		}
		d.reply(id, protocol.TypeModelLoadOK, protocol.ModelLoadOKPayload{Model: p.Model, Loaded: true})
	case protocol.TypeModelUnload:
		if err := d.engine.Unload(ctx, p.Model); err != nil {
			d.replyError(id, protocol.CodeInternal, err.Error())
			return
		}
		d.reply(id, protocol.TypeModelUnloadOK, protocol.ModelLoadOKPayload{Model: p.Model, Loaded: false})
	case protocol.TypeModelDelete:
		if err := d.engine.Delete(ctx, p.Model); err != nil {
			d.replyError(id, protocol.CodeInternal, err.Error())
			return
		}
		d.reply(id, protocol.TypeModelDeleteOK, protocol.ModelDeleteOKPayload{Model: p.Model, Deleted: true})
	}
}

func (d *Dispatcher) handleList(ctx context.Context, id string) {
	cached, loaded, err := d.engine.List(ctx)
	if err != nil {
		d.replyError(id, protocol.CodeInternal, err.Error())
		return
	}
	if cached == nil {
		cached = []string{}
	}
	if loaded == nil {
		loaded = []string{}
	}
	sort.Strings(cached)
	sort.Strings(loaded)
	d.reply(id, protocol.TypeModelListOK, protocol.ModelListOKPayload{Cached: cached, Loaded: loaded})
}

func (d *Dispatcher) handleGenerate(ctx context.Context, id string, env *protocol.Envelope) {
	req, err := decodePayload[protocol.GenerateRequest](env)
	if verr := validateGenerate(req, err); verr != "" {
		d.replyError(id, protocol.CodeBadRequest, verr)
		return
	}
	sctx, ok := d.registerStream(ctx, id)
	if !ok {
		d.replyError(id, protocol.CodeBadRequest, "Duplicate request id: "+id)
		return
	}
	go func() {
		defer d.dropStream(id)
		final, werr := d.collectTokens(sctx, id, req, nil)
		if werr != nil {
			code := werr.Code
			if code == protocol.CodeStreamError {
				code = protocol.CodeInternal
			}
			d.replyError(id, code, werr.Message)
			return
		}
		d.reply(id, protocol.TypeInferenceGenerateOK, final)
	}()
}

func (d *Dispatcher) handleStream(ctx context.Context, id string, env *protocol.Envelope) {
	req, err := decodePayload[protocol.GenerateRequest](env)
	if verr := validateGenerate(req, err); verr != "" {
		d.replyError(id, protocol.CodeBadRequest, verr)
		return
	}
	sctx, ok := d.registerStream(ctx, id)
	if !ok {
		d.replyError(id, protocol.CodeBadRequest, "Duplicate request id: "+id)
		return
	}
	go d.runStream(sctx, id, req)
}

// runStream emits start, then one token envelope per engine chunk, then
// exactly one terminal end or error. It is the sole emitter for its id, so
// the terminal is decided exactly once and nothing follows it.
func (d *Dispatcher) runStream(ctx context.Context, id string, req *protocol.GenerateRequest) {
	defer d.dropStream(id)

	if err := d.reply(id, protocol.TypeStreamStart, protocol.StreamStartPayload{RequestID: id}); err != nil {
		d.engine.Cancel(id)
		return
	}
	final, werr := d.collectTokens(ctx, id, req, func(text string) error {
		return d.reply(id, protocol.TypeStreamToken, protocol.StreamTokenPayload{RequestID: id, Text: text})
	})
	if werr != nil {
		if werr.Code == protocol.CodeTransportClosed {
			return
		}
		d.reply(id, protocol.TypeStreamError, protocol.StreamErrorPayload{
			RequestID: id,
			Code:      werr.Code,
			Message:   werr.Message,
		})
		return
	}
	d.reply(id, protocol.TypeStreamEnd, protocol.StreamEndPayload{RequestID: id, Final: *final})
}

// collectTokens drives one engine stream to completion, accumulating text
// and timings. completionTokens counts streamed chunks, not true tokens.
func (d *Dispatcher) collectTokens(ctx context.Context, id string, req *protocol.GenerateRequest, onToken func(string) error) (*protocol.GenerateResponse, *protocol.WireError) {
	start := time.Now()
	prompt, history := protocol.SplitPrompt(req.Messages)

	ts, err := d.engine.Stream(ctx, id, engine.StreamRequest{
		Model:     req.Model,
		Prompt:    prompt,
		History:   history,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		Sampling:  req.Sampling,
	})
	if err != nil {
		return nil, d.streamFailure(id, err)
	}

	var text strings.Builder
	var ttft time.Duration
	count := 0
	for {
		tok, err := ts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, d.streamFailure(id, err)
		}
		if count == 0 {
			ttft = time.Since(start)
		}
		count++
		text.WriteString(tok)
		if onToken != nil {
			if serr := onToken(tok); serr != nil {
				d.engine.Cancel(id)
				return nil, &protocol.WireError{Code: protocol.CodeTransportClosed, Message: serr.Error()}
			}
		}
		if d.isCancelled(id) {
			d.engine.Cancel(id)
			return nil, &protocol.WireError{Code: protocol.CodeCancelled, Message: "Cancelled"}
		}
	}

	total := time.Since(start)
	if count == 0 {
		ttft = total
	}
	tps := 0.0
	if total > 0 {
		tps = float64(count) / total.Seconds()
	}
	return &protocol.GenerateResponse{
		RequestID: id,
		Text:      text.String(),
		Usage:     &protocol.Usage{CompletionTokens: count},
		Timings: &protocol.Timings{
			TTFTMs:          float64(ttft.Milliseconds()),
			TotalMs:         float64(total.Milliseconds()),
			TokensPerSecond: tps,
		},
	}, nil
}

func (d *Dispatcher) streamFailure(id string, err error) *protocol.WireError {
	if d.isCancelled(id) || errors.Is(err, context.Canceled) {
		return &protocol.WireError{Code: protocol.CodeCancelled, Message: "Cancelled"}
	}
	return &protocol.WireError{Code: protocol.CodeStreamError, Message: err.Error()}
}

// handleCancel marks the stream cancelled and acknowledges immediately; it
// does not wait for the stream to terminate. Unknown ids are acknowledged
// too, intentionally permissive.
func (d *Dispatcher) handleCancel(id string, env *protocol.Envelope) {
	p, err := decodePayload[protocol.CancelPayload](env)
	if err != nil || p.RequestID == "" {
		d.replyError(id, protocol.CodeBadRequest, "Missing requestId")
		return
	}
	d.mu.Lock()
	if st := d.streams[p.RequestID]; st != nil {
		st.cancelled = true
		st.cancel()
	}
	d.mu.Unlock()
	d.engine.Cancel(p.RequestID)
	d.reply(id, protocol.TypeInferenceCancelOK, protocol.CancelOKPayload{RequestID: p.RequestID, Cancelled: true})
}

func (d *Dispatcher) handleReset(ctx context.Context, id string, env *protocol.Envelope) {
	p, err := decodePayload[protocol.ResetPayload](env)
	if err != nil {
		d.replyError(id, protocol.CodeBadRequest, "Malformed reset payload")
		return
	}
	unloadAll := true
	if p.UnloadAll != nil {
		unloadAll = *p.UnloadAll
	}
	if err := d.engine.Reset(ctx, unloadAll, p.ClearCache); err != nil {
		d.replyError(id, protocol.CodeInternal, err.Error())
		return
	}
	d.reply(id, protocol.TypeResetOK, protocol.ResetOKPayload{OK: true})
}

func (d *Dispatcher) registerStream(ctx context.Context, id string) (context.Context, bool) {
	sctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.streams[id]; exists {
		cancel()
		return nil, false
	}
	d.streams[id] = &streamState{cancel: cancel}
	return sctx, true
}

func (d *Dispatcher) dropStream(id string) {
	d.mu.Lock()
	st := d.streams[id]
	delete(d.streams, id)
	d.mu.Unlock()
	if st != nil {
		st.cancel()
	}
}

func (d *Dispatcher) isCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.streams[id]
	return st != nil && st.cancelled
}

func (d *Dispatcher) reply(id, typ string, payload any) error {
	env, err := protocol.NewEnvelope(id, typ, payload)
	if err != nil {
		d.logger.Error("encode reply failed", "type", typ, "err", err.Error())
		return err
	}
	return d.wire.Send(env)
}

func (d *Dispatcher) replyError(id, code, message string) {
	d.reply(id, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

func validateGenerate(req *protocol.GenerateRequest, err error) string {
	if err != nil {
		return "Malformed generate payload"
	}
	if strings.TrimSpace(req.Model) == "" {
		return "Missing model name"
	}
	if req.MaxTokens < 0 {
		return "maxTokens must be >= 1"
	}
	return ""
}

func decodePayload[T any](env *protocol.Envelope) (*T, error) {
	var p T
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
