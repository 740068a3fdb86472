// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conn implements the bidirectional connection engine: the
// New/Listening/Closed/Disposed state machine, the ingress dispatch
// queue, the pending-response/inbound-token/progress tables, and the
// trace hook. Either peer on a Connection may originate requests,
// notifications, and progress; there is no distinguished "client" or
// "server" role.
package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
	"github.com/AleutianAI/lsprpc/ral"
)

// State is the connection's lifecycle phase.
type State int32

const (
	StateNew State = iota
	StateListening
	StateClosed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// ProgressToken is the opaque int-or-string identity attaching $/progress
// updates to a long-running request.
type ProgressToken = jsonrpc2.RequestID

// RequestHandler answers a single method's Request. It may block; the
// dispatch loop invokes it on its own goroutine so a slow handler never
// delays the processing of other inbound messages, and responses go out
// in the order handlers resolve, not the order requests arrived.
type RequestHandler func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error)

// NotificationHandler handles a single method's Notification. It has no
// reply and no cancellation token.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// StarRequestHandler is the fallback invoked when no specific method
// handler is registered.
type StarRequestHandler func(ctx context.Context, method string, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error)

// StarNotificationHandler is the fallback for unregistered notification
// methods.
type StarNotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// ProgressHandler observes $/progress updates for a single token.
type ProgressHandler func(token ProgressToken, value json.RawMessage)

// pendingEntry tracks one outbound request awaiting a Response.
type pendingEntry struct {
	method string
	start  time.Time
	ch     chan sendResult
}

type sendResult struct {
	result json.RawMessage
	err    error
}

// inboundEntry tracks one Request currently held by a handler.
type inboundEntry struct {
	source jsonrpc2.CancellationSource
}

// queuedMessage is one entry in the ingress FIFO, keyed for debuggability
// ("req-<id>", "res-<id>"/"res-unknown-<n>", "not-<seq>").
type queuedMessage struct {
	key string
	msg jsonrpc2.Message
}

// Connection is the bidirectional JSON-RPC peer engine.
//
// Thread Safety:
//
//	SendRequest/SendNotification/SendProgress and the On* registration
//	methods are safe to call concurrently from any goroutine. Inbound
//	messages are dispatched one at a time by scheduler ticks posted on the
//	runtime's Timer; request handlers then run on their own goroutines, and
//	the connection's tables are guarded by their own mutexes.
type Connection struct {
	reader  *jsonrpc2.Reader
	writer  *jsonrpc2.Writer
	runtime ral.Runtime

	logger *logging.Logger
	trace  *TraceHook
	sink   MetricsSink

	state int32 // State, accessed atomically

	nextID int64 // atomic

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry

	inboundMu      sync.Mutex
	inboundTokens  map[string]*inboundEntry
	knownCancelled map[string]struct{}

	handlersMu       sync.RWMutex
	requestHandlers  map[string]RequestHandler
	notifyHandlers   map[string]NotificationHandler
	starRequest      StarRequestHandler
	starNotification StarNotificationHandler
	methodShapes     map[string]jsonrpc2.MethodShape

	progressMu       sync.Mutex
	progressHandlers map[string]ProgressHandler

	ingressMu  sync.Mutex
	ingress    []queuedMessage
	ingressSeq int64
	tickArmed  bool

	cancelSender   jsonrpc2.CancelSender
	cancelReceiver jsonrpc2.CancelReceiver

	cancelUndispatched func(method string) (interface{}, error)

	ctx         context.Context
	cancel      context.CancelFunc
	disposeOnce sync.Once

	onError                func(err error, msg jsonrpc2.Message, count int64)
	onClose                func()
	onUnhandledNotification func(method string, params json.RawMessage)
	onUnhandledProgress    func(token ProgressToken, value json.RawMessage)
	onDispose              func()
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger installs a *logging.Logger; defaults to logging.Default().
func WithLogger(l *logging.Logger) Option { return func(c *Connection) { c.logger = l } }

// WithTraceHook installs a *TraceHook; defaults to an off-level hook.
func WithTraceHook(t *TraceHook) Option { return func(c *Connection) { c.trace = t } }

// WithMetricsSink installs a MetricsSink; defaults to a no-op sink.
func WithMetricsSink(s MetricsSink) Option { return func(c *Connection) { c.sink = s } }

// WithMethodShape declares a method's parameter conversion rule.
func WithMethodShape(method string, shape jsonrpc2.MethodShape) Option {
	return func(c *Connection) { c.methodShapes[method] = shape }
}

// WithCancelUndispatchedReply installs a custom reply used when a
// request is cancelled while still queued, before dispatch.
func WithCancelUndispatchedReply(fn func(method string) (interface{}, error)) Option {
	return func(c *Connection) { c.cancelUndispatched = fn }
}

// WithCancelSender replaces the default inline-notification cancellation
// sender strategy, e.g. with jsonrpc2.NewSharedCancelSender for a
// same-host shared-memory peer.
func WithCancelSender(s jsonrpc2.CancelSender) Option {
	return func(c *Connection) { c.cancelSender = s }
}

// WithCancelReceiver replaces the default cancellation receiver strategy.
func WithCancelReceiver(r jsonrpc2.CancelReceiver) Option {
	return func(c *Connection) { c.cancelReceiver = r }
}

// WithRuntime injects the host runtime the engine schedules on: the
// reader's partial-message watchdog and the dispatch ticks run on its
// Timer. Defaults to a native runtime whose console writes through the
// connection's logger.
func WithRuntime(rt ral.Runtime) Option {
	return func(c *Connection) { c.runtime = rt }
}

// New builds a Connection over reader/writer, in State New. Call Listen
// to begin processing.
func New(reader *jsonrpc2.Reader, writer *jsonrpc2.Writer, opts ...Option) *Connection {
	c := &Connection{
		reader:            reader,
		writer:            writer,
		logger:            logging.Default(),
		trace:             NewTraceHook(TraceOff, TraceFormatText, nil),
		sink:              NoopMetricsSink{},
		pending:           make(map[string]*pendingEntry),
		inboundTokens:     make(map[string]*inboundEntry),
		knownCancelled:    make(map[string]struct{}),
		requestHandlers:   make(map[string]RequestHandler),
		notifyHandlers:    make(map[string]NotificationHandler),
		methodShapes:      make(map[string]jsonrpc2.MethodShape),
		progressHandlers:  make(map[string]ProgressHandler),
	}
	c.cancelReceiver = jsonrpc2.NewDefaultCancelReceiver()
	c.cancelSender = jsonrpc2.NewDefaultCancelSender(connNotificationSender{c})
	for _, opt := range opts {
		opt(c)
	}
	if c.runtime == nil {
		c.runtime = ral.NewNativeRuntimeWithLogger(c.logger)
	}
	return c
}

// connNotificationSender adapts Connection to jsonrpc2.NotificationSender
// so the default cancel sender strategy can emit $/cancelRequest without
// an import cycle.
type connNotificationSender struct{ c *Connection }

func (s connNotificationSender) SendNotification(method string, params interface{}) error {
	return s.c.SendNotification(method, params)
}

func (c *Connection) state_() State { return State(atomic.LoadInt32(&c.state)) }

// Listen installs the reader callback and begins dispatch. Repeated
// calls return jsonrpc2.ErrAlreadyListening.
func (c *Connection) Listen(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(StateNew), int32(StateListening)) {
		return jsonrpc2.ErrAlreadyListening
	}

	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	c.cancel = cancel

	c.reader.SetTimer(c.runtime.Timer())
	c.reader.OnError(func(err error) { c.handleReaderError(err) })
	c.reader.OnClose(func() { c.handleClose() })
	c.writer.OnError(func(err error, msg jsonrpc2.Message, count int64) { c.handleWriteError(err, msg, count) })

	if err := c.reader.Listen(func(msg jsonrpc2.Message) { c.onInboundMessage(msg) }); err != nil {
		atomic.StoreInt32(&c.state, int32(StateNew))
		return err
	}
	return nil
}

// =============================================================================
// INGRESS
// =============================================================================

func (c *Connection) onInboundMessage(msg jsonrpc2.Message) {
	key := c.debugKey(msg)

	if notif, ok := msg.(*jsonrpc2.Notification); ok && notif.Method == "$/cancelRequest" {
		c.handleCancelNotification(notif)
		return
	}

	c.ingressMu.Lock()
	c.ingress = append(c.ingress, queuedMessage{key: key, msg: msg})
	c.ingressMu.Unlock()

	c.armTick()
}

func (c *Connection) debugKey(msg jsonrpc2.Message) string {
	switch m := msg.(type) {
	case *jsonrpc2.Request:
		return fmt.Sprintf("req-%s", m.ID.String())
	case *jsonrpc2.Response:
		if m.ID.IsValid() {
			return fmt.Sprintf("res-%s", m.ID.String())
		}
		return fmt.Sprintf("res-unknown-%d", atomic.AddInt64(&c.ingressSeq, 1))
	case *jsonrpc2.Notification:
		return fmt.Sprintf("not-%d", atomic.AddInt64(&c.ingressSeq, 1))
	default:
		return fmt.Sprintf("malformed-%d", atomic.AddInt64(&c.ingressSeq, 1))
	}
}

// armTick posts one scheduler tick through the runtime's timer if the
// queue is non-empty and no tick is already in flight.
func (c *Connection) armTick() {
	c.ingressMu.Lock()
	if c.tickArmed || len(c.ingress) == 0 {
		c.ingressMu.Unlock()
		return
	}
	c.tickArmed = true
	c.ingressMu.Unlock()
	c.runtime.Timer().SetImmediate(c.tick)
}

// tick drains exactly one message, then re-arms while the queue is
// non-empty. Notification handlers run inside the tick, so they finish
// before the next message is dispatched; request handlers run on their own
// goroutines, so the next message can be dispatched while one is running.
func (c *Connection) tick() {
	ctx := c.ctx
	if ctx == nil || ctx.Err() != nil {
		c.ingressMu.Lock()
		c.tickArmed = false
		c.ingressMu.Unlock()
		return
	}

	c.ingressMu.Lock()
	if len(c.ingress) == 0 {
		c.tickArmed = false
		c.ingressMu.Unlock()
		return
	}
	next := c.ingress[0]
	c.ingress = c.ingress[1:]
	c.ingressMu.Unlock()

	c.dispatch(ctx, next.msg)

	c.ingressMu.Lock()
	c.tickArmed = false
	c.ingressMu.Unlock()
	c.armTick()
}

func (c *Connection) dispatch(ctx context.Context, msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Request:
		c.dispatchRequest(ctx, m)
	case *jsonrpc2.Response:
		c.dispatchResponse(m)
	case *jsonrpc2.Notification:
		c.dispatchNotification(ctx, m)
	case *jsonrpc2.Malformed:
		c.logger.Warn("jsonrpc2: malformed message", "raw", string(m.Raw))
		if m.RecoveredID.IsValid() {
			// A recoverable id lets us at least fail the matching pending
			// request instead of leaving its caller hanging.
			key := m.RecoveredID.String()
			c.pendingMu.Lock()
			entry, ok := c.pending[key]
			if ok {
				delete(c.pending, key)
			}
			c.pendingMu.Unlock()
			if ok {
				entry.ch <- sendResult{err: &jsonrpc2.ResponseError{Code: jsonrpc2.ParseError, Message: "malformed response from peer"}}
				c.cancelSender.Cleanup(m.RecoveredID)
			}
		}
	}
}

// =============================================================================
// CANCELLATION FAST PATH
// =============================================================================

func (c *Connection) handleCancelNotification(notif *jsonrpc2.Notification) {
	var params struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.logger.Warn("jsonrpc2: malformed $/cancelRequest", "error", err)
		return
	}
	var id jsonrpc2.RequestID
	if err := json.Unmarshal(params.ID, &id); err != nil {
		c.logger.Warn("jsonrpc2: malformed $/cancelRequest id", "error", err)
		return
	}
	key := fmt.Sprintf("req-%s", id.String())

	// Search the ingress queue for the matching Request before dispatch.
	c.ingressMu.Lock()
	for i, q := range c.ingress {
		if q.key == key {
			req := q.msg.(*jsonrpc2.Request)
			c.ingress = append(c.ingress[:i], c.ingress[i+1:]...)
			c.ingressMu.Unlock()
			c.sink.RecordCancellation(req.Method)
			c.replyToCancelledUndispatched(req)
			return
		}
	}
	c.ingressMu.Unlock()

	// Already dispatched: signal its token if the handler is running.
	idKey := id.String()
	c.inboundMu.Lock()
	entry, running := c.inboundTokens[idKey]
	if !running {
		c.knownCancelled[idKey] = struct{}{}
	}
	c.inboundMu.Unlock()

	if running {
		entry.source.Cancel()
	}
}

func (c *Connection) replyToCancelledUndispatched(req *jsonrpc2.Request) {
	var result interface{}
	var err error = &jsonrpc2.ResponseError{Code: jsonrpc2.RequestCancelled, Message: "request cancelled before dispatch"}
	if c.cancelUndispatched != nil {
		result, err = c.cancelUndispatched(req.Method)
	}
	c.replyRequest(req.ID, result, err)
}

// =============================================================================
// NOTIFICATION DISPATCH
// =============================================================================

func (c *Connection) dispatchNotification(ctx context.Context, notif *jsonrpc2.Notification) {
	c.trace.TraceReceivedNotification(notif)

	switch notif.Method {
	case "$/progress":
		c.handleProgressNotification(notif)
		return
	case "$/setTrace":
		c.handleSetTrace(notif)
		return
	case "$/logTrace":
		return // peer trace output; nothing to do by default
	}

	c.handlersMu.RLock()
	handler, ok := c.notifyHandlers[notif.Method]
	star := c.starNotification
	shape, shapeOK := c.methodShapes[notif.Method]
	c.handlersMu.RUnlock()

	if shapeOK {
		c.validateParamShape(shape, notif.Params, false)
	}

	if ok {
		handler(ctx, notif.Params)
		return
	}
	if star != nil {
		star(ctx, notif.Method, notif.Params)
		return
	}
	if c.onUnhandledNotification != nil {
		c.onUnhandledNotification(notif.Method, notif.Params)
	}
}

func (c *Connection) handleProgressNotification(notif *jsonrpc2.Notification) {
	var params struct {
		Token json.RawMessage `json:"token"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		c.logger.Warn("jsonrpc2: malformed $/progress", "error", err)
		return
	}
	var token ProgressToken
	if err := json.Unmarshal(params.Token, &token); err != nil {
		c.logger.Warn("jsonrpc2: malformed $/progress token", "error", err)
		return
	}

	c.progressMu.Lock()
	handler, ok := c.progressHandlers[token.String()]
	c.progressMu.Unlock()

	if ok {
		handler(token, params.Value)
		return
	}
	if c.onUnhandledProgress != nil {
		c.onUnhandledProgress(token, params.Value)
	}
}

func (c *Connection) handleSetTrace(notif *jsonrpc2.Notification) {
	var params struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		return
	}
	if lvl, ok := ParseTraceLevel(params.Value); ok {
		c.trace.SetLevel(lvl)
	}
}

// =============================================================================
// REQUEST DISPATCH
// =============================================================================

func (c *Connection) dispatchRequest(ctx context.Context, req *jsonrpc2.Request) {
	c.trace.TraceReceivedRequest(req)

	c.handlersMu.RLock()
	handler, ok := c.requestHandlers[req.Method]
	star := c.starRequest
	shape, shapeOK := c.methodShapes[req.Method]
	c.handlersMu.RUnlock()

	if !ok && star == nil {
		c.replyRequest(req.ID, nil, &jsonrpc2.ResponseError{
			Code:    jsonrpc2.MethodNotFound,
			Message: fmt.Sprintf("Unhandled method %s", req.Method),
		})
		return
	}

	var source jsonrpc2.CancellationSource
	if req.CancelSlot != nil {
		if sr, ok := c.cancelReceiver.(jsonrpc2.SlotCancelReceiver); ok {
			source = sr.CreateSourceForSlot(req.ID, *req.CancelSlot)
		}
	}
	if source == nil {
		source = c.cancelReceiver.CreateSource(req.ID)
	}
	idKey := req.ID.String()
	c.inboundMu.Lock()
	if _, known := c.knownCancelled[idKey]; known {
		delete(c.knownCancelled, idKey)
		source.Cancel()
	}
	c.inboundTokens[idKey] = &inboundEntry{source: source}
	c.inboundMu.Unlock()

	if shapeOK {
		if !c.validateParamShape(shape, req.Params, true) {
			c.finishRequest(req.ID, nil, &jsonrpc2.ResponseError{Code: jsonrpc2.InvalidParams, Message: "invalid params for " + req.Method})
			return
		}
	}

	go func() {
		hctx := ctx
		var endSpan func(error)
		if spanner, traced := c.sink.(DispatchSpanner); traced {
			hctx, endSpan = spanner.StartDispatch(ctx, req.Method)
		}

		start := time.Now()
		var result interface{}
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in handler for %s: %v", req.Method, r)
				}
			}()
			if ok {
				result, err = handler(hctx, source.Token(), req.Params)
			} else {
				result, err = star(hctx, req.Method, source.Token(), req.Params)
			}
		}()
		c.sink.RecordDispatch(req.Method, time.Since(start), err == nil)
		if endSpan != nil {
			endSpan(err)
		}
		c.finishRequest(req.ID, result, err)
	}()
}

// finishRequest removes the inbound token entry and replies.
func (c *Connection) finishRequest(id jsonrpc2.RequestID, result interface{}, err error) {
	c.inboundMu.Lock()
	delete(c.inboundTokens, id.String())
	c.inboundMu.Unlock()
	c.replyRequest(id, result, err)
}

func (c *Connection) replyRequest(id jsonrpc2.RequestID, result interface{}, err error) {
	resp := &jsonrpc2.Response{JSONRPC: jsonrpc2.Version, ID: id}
	if err != nil {
		resp.Error = jsonrpc2.AsResponseError(err)
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil || result == nil {
			raw = json.RawMessage("null")
		}
		resp.Result = raw
	}
	c.trace.TraceSendingResponse(resp)
	if werr := c.writer.Write(context.Background(), resp); werr != nil {
		c.logger.Error("jsonrpc2: failed to write response", "id", id.String(), "error", werr)
	}
}

// validateParamShape checks the wire params against a declared shape. For
// Requests a mismatch returns false (caller replies InvalidParams); for
// Notifications it only logs and the caller still dispatches.
func (c *Connection) validateParamShape(shape jsonrpc2.MethodShape, params json.RawMessage, isRequest bool) bool {
	isObject := len(params) > 0 && params[0] == '{'
	isArray := len(params) > 0 && params[0] == '['

	mismatch := (shape.Structure == jsonrpc2.ByNameParams && isArray) ||
		(shape.Structure == jsonrpc2.ByPositionParams && isObject)

	if !mismatch {
		return true
	}
	c.logger.Warn("jsonrpc2: parameter shape mismatch", "declared", shape.Structure, "is_request", isRequest)
	return !isRequest
}

// =============================================================================
// OUTBOUND REQUESTS / NOTIFICATIONS / PROGRESS
// =============================================================================

// SendRequest originates a Request and blocks until a Response arrives,
// ctx is cancelled, or the connection is disposed.
func (c *Connection) SendRequest(ctx context.Context, method string, token jsonrpc2.CancellationToken, args ...interface{}) (json.RawMessage, error) {
	switch c.state_() {
	case StateClosed:
		return nil, jsonrpc2.ErrClosed
	case StateDisposed:
		return nil, jsonrpc2.ErrDisposed
	case StateNew:
		return nil, jsonrpc2.ErrClosed
	}

	id := jsonrpc2.NewIntID(atomic.AddInt64(&c.nextID, 1))

	c.handlersMu.RLock()
	shape := c.methodShapes[method]
	c.handlersMu.RUnlock()

	paramsRaw, err := jsonrpc2.EncodeParams(shape, args)
	if err != nil {
		return nil, err
	}

	req := &jsonrpc2.Request{JSONRPC: jsonrpc2.Version, ID: id, Method: method, Params: paramsRaw}
	if as, ok := c.cancelSender.(jsonrpc2.EnvelopeCancelSender); ok {
		as.Attach(req)
	}

	entry := &pendingEntry{method: method, start: time.Now(), ch: make(chan sendResult, 1)}
	c.pendingMu.Lock()
	c.pending[id.String()] = entry
	c.pendingMu.Unlock()

	if token != nil {
		token.OnCancelled(func() { c.cancelSender.Send(id) })
	}

	c.trace.TraceSendingRequest(req)
	if err := c.writer.Write(ctx, req); err != nil {
		c.removePending(id)
		return nil, &jsonrpc2.ResponseError{Code: jsonrpc2.MessageWriteError, Message: err.Error()}
	}

	select {
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case res := <-entry.ch:
		return res.result, res.err
	}
}

func (c *Connection) removePending(id jsonrpc2.RequestID) {
	c.pendingMu.Lock()
	delete(c.pending, id.String())
	c.pendingMu.Unlock()
	c.cancelSender.Cleanup(id)
}

// dispatchResponse resolves the pending entry matching the Response's
// id. Trace happens before the entry is removed so the elapsed-time line
// can still read its start timestamp.
func (c *Connection) dispatchResponse(resp *jsonrpc2.Response) {
	if !resp.ID.IsValid() {
		c.logger.Warn("jsonrpc2: response with null id cannot be correlated")
		return
	}

	key := resp.ID.String()
	c.pendingMu.Lock()
	entry, ok := c.pending[key]
	if ok {
		c.trace.TraceReceivedResponse(resp, time.Since(entry.start))
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("jsonrpc2: response with no matching pending request", "id", key)
		return
	}

	c.cancelSender.Cleanup(resp.ID)

	if resp.Error != nil {
		entry.ch <- sendResult{err: &jsonrpc2.ResponseError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}}
		return
	}
	entry.ch <- sendResult{result: resp.Result}
}

// SendNotification sends a Notification; there is no reply to wait for.
func (c *Connection) SendNotification(method string, params interface{}) error {
	switch c.state_() {
	case StateClosed:
		return jsonrpc2.ErrClosed
	case StateDisposed:
		return jsonrpc2.ErrDisposed
	}

	var args []interface{}
	if params != nil {
		args = []interface{}{params}
	}
	c.handlersMu.RLock()
	shape := c.methodShapes[method]
	c.handlersMu.RUnlock()

	raw, err := jsonrpc2.EncodeParams(shape, args)
	if err != nil {
		return err
	}
	notif := &jsonrpc2.Notification{JSONRPC: jsonrpc2.Version, Method: method, Params: raw}
	c.trace.TraceSendingNotification(notif)
	return c.writer.Write(context.Background(), notif)
}

// SendProgress sends a $/progress notification for token; sugar over
// SendNotification.
func (c *Connection) SendProgress(token ProgressToken, value interface{}) error {
	return c.SendNotification("$/progress", map[string]interface{}{"token": token, "value": value})
}

// SetTrace changes the local trace level and announces it to the peer
// with a $/setTrace notification.
func (c *Connection) SetTrace(level TraceLevel) error {
	c.trace.SetLevel(level)
	return c.SendNotification("$/setTrace", map[string]interface{}{"value": level.String()})
}

// OnProgress registers a handler for a progress token. Duplicate tokens
// are an error.
func (c *Connection) OnProgress(token ProgressToken, handler ProgressHandler) error {
	c.progressMu.Lock()
	defer c.progressMu.Unlock()
	key := token.String()
	if _, exists := c.progressHandlers[key]; exists {
		return jsonrpc2.ErrDuplicateProgressToken
	}
	c.progressHandlers[key] = handler
	return nil
}

// =============================================================================
// HANDLER REGISTRATION
// =============================================================================

// OnRequest registers method's request handler, replacing any prior
// registration. It returns a function that removes the registration.
func (c *Connection) OnRequest(method string, handler RequestHandler) func() {
	c.handlersMu.Lock()
	c.requestHandlers[method] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.requestHandlers, method)
		c.handlersMu.Unlock()
	}
}

// OnNotification registers method's notification handler.
func (c *Connection) OnNotification(method string, handler NotificationHandler) func() {
	c.handlersMu.Lock()
	c.notifyHandlers[method] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.notifyHandlers, method)
		c.handlersMu.Unlock()
	}
}

// OnUnhandledMethodRequest registers the star/fallback request handler.
func (c *Connection) OnUnhandledMethodRequest(handler StarRequestHandler) {
	c.handlersMu.Lock()
	c.starRequest = handler
	c.handlersMu.Unlock()
}

// OnUnhandledMethodNotification registers the star/fallback notification
// handler.
func (c *Connection) OnUnhandledMethodNotification(handler StarNotificationHandler) {
	c.handlersMu.Lock()
	c.starNotification = handler
	c.handlersMu.Unlock()
}

// =============================================================================
// EVENTS
// =============================================================================

func (c *Connection) OnError(fn func(err error, msg jsonrpc2.Message, count int64)) { c.onError = fn }
func (c *Connection) OnClose(fn func())                                            { c.onClose = fn }
func (c *Connection) OnUnhandledNotification(fn func(method string, params json.RawMessage)) {
	c.onUnhandledNotification = fn
}
func (c *Connection) OnUnhandledProgress(fn func(token ProgressToken, value json.RawMessage)) {
	c.onUnhandledProgress = fn
}
func (c *Connection) OnDispose(fn func()) { c.onDispose = fn }

func (c *Connection) handleReaderError(err error) {
	c.logger.Error("jsonrpc2: reader error", "error", err)
	if c.onError != nil {
		c.onError(err, nil, 0)
	}
}

func (c *Connection) handleWriteError(err error, msg jsonrpc2.Message, count int64) {
	c.logger.Error("jsonrpc2: writer error", "error", err, "count", count)
	if c.onError != nil {
		c.onError(err, msg, count)
	}
	if req, ok := msg.(*jsonrpc2.Request); ok {
		c.pendingMu.Lock()
		entry, exists := c.pending[req.ID.String()]
		if exists {
			delete(c.pending, req.ID.String())
		}
		c.pendingMu.Unlock()
		if exists {
			entry.ch <- sendResult{err: &jsonrpc2.ResponseError{Code: jsonrpc2.MessageWriteError, Message: err.Error()}}
		}
	}
}

func (c *Connection) handleClose() {
	if atomic.CompareAndSwapInt32(&c.state, int32(StateNew), int32(StateClosed)) ||
		atomic.CompareAndSwapInt32(&c.state, int32(StateListening), int32(StateClosed)) {
		c.rejectAllPending("connection closed")
		if c.onClose != nil {
			c.onClose()
		}
	}
	// Disposed suppresses the close event.
}

// rejectAllPending rejects every outstanding pending entry with
// PendingResponseRejected.
func (c *Connection) rejectAllPending(reason string) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.pendingMu.Unlock()
	for _, entry := range pending {
		entry.ch <- sendResult{err: &jsonrpc2.ResponseError{Code: jsonrpc2.PendingResponseRejected, Message: reason}}
	}
}

// End stops message processing and transitions the connection to Closed:
// pending entries are rejected with PendingResponseRejected and the close
// event fires once. Unlike Dispose, the reader and writer keep their
// subscriptions so a caller can still inspect error counts; the
// underlying transport stays open and owned by the caller.
func (c *Connection) End() {
	c.handleClose()
	if c.cancel != nil {
		c.cancel()
	}
}

// =============================================================================
// DISPOSAL
// =============================================================================

// Dispose transitions the connection to Disposed from any state, rejects
// every pending response with PendingResponseRejected, clears the
// tables, and disposes the reader and writer. Idempotent.
func (c *Connection) Dispose() {
	c.disposeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisposed))

		c.rejectAllPending("connection disposed")

		c.inboundMu.Lock()
		c.inboundTokens = make(map[string]*inboundEntry)
		c.knownCancelled = make(map[string]struct{})
		c.inboundMu.Unlock()

		c.ingressMu.Lock()
		c.ingress = nil
		c.ingressMu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}

		c.reader.Dispose()
		c.writer.Dispose()

		if c.onDispose != nil {
			c.onDispose()
		}
	})
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// ConnectionSnapshot is a point-in-time, copied view of the engine's
// internal tables, for debug tooling. It takes no locks
// the caller could deadlock on and is not part of the wire protocol.
type ConnectionSnapshot struct {
	State               string
	PendingResponses    int
	InboundHandling     int
	KnownCancelled      int
	ProgressSubscribers int
}

// Snapshot returns a copy of the engine's table sizes.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.pendingMu.Lock()
	pending := len(c.pending)
	c.pendingMu.Unlock()

	c.inboundMu.Lock()
	inbound := len(c.inboundTokens)
	known := len(c.knownCancelled)
	c.inboundMu.Unlock()

	c.progressMu.Lock()
	progress := len(c.progressHandlers)
	c.progressMu.Unlock()

	return ConnectionSnapshot{
		State:               c.state_().String(),
		PendingResponses:    pending,
		InboundHandling:     inbound,
		KnownCancelled:      known,
		ProgressSubscribers: progress,
	}
}
