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
	"net"
	"os"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/pkg/logging"
)

// NativeRuntime is the OS-hosted realization of Runtime: streams are file
// descriptors or sockets, any charset the Go standard library supports is
// fine since there is no message-port marshalling involved.
type NativeRuntime struct {
	timer   Timer
	console Console
}

// NewNativeRuntime builds the native realization. Console output goes
// through logging.Default(); use NewNativeRuntimeWithLogger to direct it
// elsewhere.
func NewNativeRuntime() *NativeRuntime {
	return NewNativeRuntimeWithLogger(logging.Default())
}

// NewNativeRuntimeWithLogger builds the native realization with console
// output routed to l.
func NewNativeRuntimeWithLogger(l *logging.Logger) *NativeRuntime {
	return &NativeRuntime{
		timer:   jsonrpc2.SystemTimer{},
		console: loggerConsole{l: l},
	}
}

func (r *NativeRuntime) Name() string                                { return "native" }
func (r *NativeRuntime) Timer() Timer                                { return r.timer }
func (r *NativeRuntime) Console() Console                            { return r.console }
func (r *NativeRuntime) ContentTypeCodec() jsonrpc2.ContentTypeCodec { return jsonrpc2.JSONCodec }
func (r *NativeRuntime) SupportsCharset(string) bool                 { return true }

// NewBuffer returns a fresh framing buffer; the native realization
// accepts any charset the Go standard library can transcode.
func (r *NativeRuntime) NewBuffer(string) (*jsonrpc2.Buffer, error) {
	return &jsonrpc2.Buffer{}, nil
}

// StdioStreams wraps the process's own stdin/stdout as a StreamPair, the
// realization an LSP peer spawned as a subprocess uses.
func (r *NativeRuntime) StdioStreams() StreamPair {
	return StreamPair{
		Reader: os.Stdin,
		Writer: os.Stdout,
		Close: func() error {
			return nil // the process owns stdio; closing it here would be surprising to the caller
		},
	}
}

// DialStreams opens a TCP connection and wraps it as a StreamPair, used
// when the peer is reachable over a socket instead of inherited pipes.
func (r *NativeRuntime) DialStreams(network, address string) (StreamPair, error) {
	conn, err := net.Dial(network, address)
	if err != nil {
		return StreamPair{}, fmt.Errorf("ral: dial %s %s: %w", network, address, err)
	}
	return StreamPair{Reader: conn, Writer: conn, Close: conn.Close}, nil
}

// ListenStreams accepts a single TCP connection and wraps it as a
// StreamPair, used when this process is the one being connected to.
func (r *NativeRuntime) ListenStreams(network, address string) (StreamPair, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return StreamPair{}, fmt.Errorf("ral: listen %s %s: %w", network, address, err)
	}
	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return StreamPair{}, fmt.Errorf("ral: accept on %s: %w", address, err)
	}
	return StreamPair{Reader: conn, Writer: conn, Close: conn.Close}, nil
}
