// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ral

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
)

// BrowserRuntime is the message-port realization of Runtime: streams wrap
// a single websocket connection the way a worker's postMessage port would
// wrap a structured-clone channel. Only UTF-8 is supported.
type BrowserRuntime struct {
	timer   Timer
	console Console
}

// NewBrowserRuntime builds the browser/worker realization. Console
// output goes through logging.Default().
func NewBrowserRuntime() *BrowserRuntime {
	return NewBrowserRuntimeWithLogger(logging.Default())
}

// NewBrowserRuntimeWithLogger builds the browser/worker realization with
// console output routed to l.
func NewBrowserRuntimeWithLogger(l *logging.Logger) *BrowserRuntime {
	return &BrowserRuntime{
		timer:   jsonrpc2.SystemTimer{},
		console: loggerConsole{l: l},
	}
}

func (r *BrowserRuntime) Name() string                                { return "browser" }
func (r *BrowserRuntime) Timer() Timer                                { return r.timer }
func (r *BrowserRuntime) Console() Console                            { return r.console }
func (r *BrowserRuntime) ContentTypeCodec() jsonrpc2.ContentTypeCodec { return jsonrpc2.JSONCodec }

// SupportsCharset reports true only for UTF-8: a postMessage-backed
// stream has no concept of binary charset negotiation.
func (r *BrowserRuntime) SupportsCharset(charset string) bool {
	switch charset {
	case "", "utf-8", "UTF-8", "utf8":
		return true
	default:
		return false
	}
}

// NewBuffer returns a fresh framing buffer, refusing charsets the
// browser/worker host cannot represent.
func (r *BrowserRuntime) NewBuffer(charset string) (*jsonrpc2.Buffer, error) {
	if !r.SupportsCharset(charset) {
		return nil, fmt.Errorf("ral: browser runtime only supports utf-8, got %q", charset)
	}
	return &jsonrpc2.Buffer{}, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpgradeHandler returns a gin engine with a single upgrade route at path
// that promotes the HTTP connection to a websocket and hands the
// resulting StreamPair to onConnect. otelgin traces the upgrade request.
func (r *BrowserRuntime) UpgradeHandler(path string, onConnect func(StreamPair)) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("lsprpc-browser-runtime"))
	engine.GET(path, func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		onConnect(newWebsocketStream(conn))
	})
	return engine
}

// newWebsocketStream adapts a *websocket.Conn to io.Reader/io.Writer so
// jsonrpc2.Reader/Writer can drive it exactly as they would a pipe.
func newWebsocketStream(conn *websocket.Conn) StreamPair {
	ws := &websocketStream{conn: conn}
	return StreamPair{Reader: ws, Writer: ws, Close: conn.Close}
}

type websocketStream struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	pending []byte

	writeMu sync.Mutex
}

func (w *websocketStream) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	for len(w.pending) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("ral: websocket read: %w", err)
		}
		w.pending = data
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *websocketStream) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, fmt.Errorf("ral: websocket write: %w", err)
	}
	return len(p), nil
}
