// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lsprpc/jsonrpc2"
	"github.com/AleutianAI/lsprpc/ral"
)

// pair builds two in-process Connections joined by a pair of io.Pipes,
// one per direction, so full request/response dialogues can be exercised
// without a real transport.
func pair(t *testing.T, opts ...Option) (client, server *Connection) {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	client = New(jsonrpc2.NewReader(s2cR, jsonrpc2.JSONCodec), jsonrpc2.NewWriter(c2sW, jsonrpc2.JSONCodec, nil), opts...)
	server = New(jsonrpc2.NewReader(c2sR, jsonrpc2.JSONCodec), jsonrpc2.NewWriter(s2cW, jsonrpc2.JSONCodec, nil), opts...)

	require.NoError(t, client.Listen(context.Background()))
	require.NoError(t, server.Listen(context.Background()))

	t.Cleanup(func() {
		client.Dispose()
		server.Dispose()
	})
	return client, server
}

// =============================================================================
// Echo request
// =============================================================================

func TestConnection_S1_EchoRequest(t *testing.T) {
	client, server := pair(t)
	server.OnRequest("echo", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		var args []string
		require.NoError(t, json.Unmarshal(params, &args))
		return args[0], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := client.SendRequest(ctx, "echo", nil, "foo")
	require.NoError(t, err)
	assert.Equal(t, `"foo"`, string(raw))
}

// =============================================================================
// Unhandled method
// =============================================================================

func TestConnection_S2_UnhandledMethod(t *testing.T) {
	client, _ := pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "absent", nil)
	require.Error(t, err)

	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.MethodNotFound, rerr.Code)
	assert.Equal(t, "Unhandled method absent", rerr.Message)
}

// =============================================================================
// Positional vs named
// =============================================================================

func TestConnection_S3_ByPositionWrapsObjectUnwrapped(t *testing.T) {
	shape := jsonrpc2.MethodShape{Structure: jsonrpc2.ByPositionParams}
	client, server := pair(t, WithMethodShape("echo", shape))

	var receivedParams json.RawMessage
	server.OnRequest("echo", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		receivedParams = params
		var wrapped []map[string]bool
		require.NoError(t, json.Unmarshal(params, &wrapped))
		return wrapped[0], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := client.SendRequest(ctx, "echo", nil, map[string]interface{}{"value": true})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"value":true}]`, string(receivedParams))
	assert.JSONEq(t, `{"value":true}`, string(raw))
}

// =============================================================================
// Resolution ordering
// =============================================================================

func TestConnection_S4_ResolutionOrderMatchesHandlerLatency(t *testing.T) {
	client, server := pair(t)

	sleepy := func(d time.Duration, result string) RequestHandler {
		return func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
			time.Sleep(d)
			return result, nil
		}
	}
	server.OnRequest("one", sleepy(100*time.Millisecond, "one"))
	server.OnRequest("two", sleepy(0, "two"))
	server.OnRequest("three", sleepy(50*time.Millisecond, "three"))

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	launch := func(method string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := client.SendRequest(ctx, method, nil)
			require.NoError(t, err)
			mu.Lock()
			order = append(order, method)
			mu.Unlock()
		}()
	}
	launch("one")
	launch("two")
	launch("three")
	wg.Wait()

	assert.Equal(t, []string{"two", "three", "one"}, order)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestConnection_S5_CancellationRejectsWithRequestCancelled(t *testing.T) {
	client, server := pair(t)

	handlerObservedCancel := make(chan bool, 1)
	server.OnRequest("slow", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-deadline:
				handlerObservedCancel <- false
				return "too slow", nil
			default:
				if token.IsCancelled() {
					handlerObservedCancel <- true
					return nil, &jsonrpc2.ResponseError{Code: jsonrpc2.RequestCancelled, Message: "cancelled"}
				}
				time.Sleep(time.Millisecond)
			}
		}
	})

	src := jsonrpc2.NewCancellationSource()
	go func() {
		time.Sleep(10 * time.Millisecond)
		src.Cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "slow", src.Token())
	require.Error(t, err)

	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.RequestCancelled, rerr.Code)
	assert.True(t, <-handlerObservedCancel)
}

// =============================================================================
// Progress
// =============================================================================

func TestConnection_S6_ProgressDeliveredInOrderThenResult(t *testing.T) {
	client, server := pair(t)

	server.OnRequest("index", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		var args struct {
			WorkDoneToken ProgressToken `json:"workDoneToken"`
		}
		require.NoError(t, json.Unmarshal(params, &args))
		require.NoError(t, server.SendProgress(args.WorkDoneToken, "begin"))
		require.NoError(t, server.SendProgress(args.WorkDoneToken, "report"))
		require.NoError(t, server.SendProgress(args.WorkDoneToken, "end"))
		return "done", nil
	})

	var mu sync.Mutex
	var seen []string
	token := jsonrpc2.NewStringID("W1")
	require.NoError(t, client.OnProgress(token, func(tok ProgressToken, value json.RawMessage) {
		var s string
		require.NoError(t, json.Unmarshal(value, &s))
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := client.SendRequest(ctx, "index", nil, map[string]interface{}{"workDoneToken": token})
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(raw))

	time.Sleep(50 * time.Millisecond) // progress notifications race the response; give the last one time to land
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"begin", "report", "end"}, seen)
}

// =============================================================================
// Lifecycle / Snapshot
// =============================================================================

func TestConnection_Snapshot_ReflectsPendingRequest(t *testing.T) {
	client, server := pair(t)

	release := make(chan struct{})
	server.OnRequest("block", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		<-release
		return "ok", nil
	})

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.SendRequest(ctx, "block", nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return client.Snapshot().PendingResponses == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	<-done
}

func TestConnection_Dispose_RejectsPendingRequests(t *testing.T) {
	client, server := pair(t)

	release := make(chan struct{})
	server.OnRequest("block", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		<-release
		return "ok", nil
	})

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.SendRequest(ctx, "block", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return client.Snapshot().PendingResponses == 1
	}, time.Second, 5*time.Millisecond)

	client.Dispose()
	close(release)

	err := <-errCh
	require.Error(t, err)
	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.PendingResponseRejected, rerr.Code)
}

// =============================================================================
// Close / End
// =============================================================================

func TestConnection_End_RejectsPendingAndFiresCloseOnce(t *testing.T) {
	client, server := pair(t)

	release := make(chan struct{})
	defer close(release)
	server.OnRequest("block", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		<-release
		return "ok", nil
	})

	closed := make(chan struct{}, 2)
	client.OnClose(func() { closed <- struct{}{} })

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.SendRequest(ctx, "block", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return client.Snapshot().PendingResponses == 1
	}, time.Second, 5*time.Millisecond)

	client.End()
	client.End() // second call is a no-op; the close event must not refire

	err := <-errCh
	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.PendingResponseRejected, rerr.Code)

	<-closed
	select {
	case <-closed:
		t.Fatal("close event fired more than once")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = client.SendRequest(context.Background(), "block", nil)
	assert.ErrorIs(t, err, jsonrpc2.ErrClosed)
}

// =============================================================================
// Cancel before the request arrives: token born cancelled
// =============================================================================

func TestConnection_CancelBeforeRequestArrives_TokenBornCancelled(t *testing.T) {
	client, server := pair(t)

	observed := make(chan bool, 1)
	server.OnRequest("late", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		observed <- token.IsCancelled()
		return nil, nil
	})

	// The client's first request id will be 1; cancel it before sending it.
	require.NoError(t, client.SendNotification("$/cancelRequest", map[string]interface{}{"id": 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.SendRequest(ctx, "late", nil)
	require.NoError(t, err)
	assert.True(t, <-observed)
}

// =============================================================================
// Shared-memory cancellation strategies
// =============================================================================

type noopCancelSender struct{}

func (noopCancelSender) Send(jsonrpc2.RequestID)    {}
func (noopCancelSender) Cleanup(jsonrpc2.RequestID) {}

func TestConnection_SharedArrayCancellation_EndToEnd(t *testing.T) {
	region, err := jsonrpc2.NewSharedCancelRegion(4)
	require.NoError(t, err)
	defer region.Close()

	// The noop fallback proves the fast path alone carries the cancel: no
	// $/cancelRequest notification ever crosses the channel.
	sender := jsonrpc2.NewSharedCancelSender(region, noopCancelSender{})
	receiver := jsonrpc2.NewSharedCancelReceiver(region, time.Millisecond)

	client, server := pair(t, WithCancelSender(sender), WithCancelReceiver(receiver))

	observed := make(chan bool, 1)
	server.OnRequest("spin", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		deadline := time.After(2 * time.Second)
		for {
			select {
			case <-deadline:
				observed <- false
				return "too slow", nil
			default:
				if token.IsCancelled() {
					observed <- true
					return nil, &jsonrpc2.ResponseError{Code: jsonrpc2.RequestCancelled, Message: "cancelled"}
				}
				time.Sleep(time.Millisecond)
			}
		}
	})

	src := jsonrpc2.NewCancellationSource()
	go func() {
		time.Sleep(10 * time.Millisecond)
		src.Cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.SendRequest(ctx, "spin", src.Token())
	require.Error(t, err)
	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.RequestCancelled, rerr.Code)
	assert.True(t, <-observed)
}

// =============================================================================
// Malformed envelope with a recoverable id
// =============================================================================

func TestConnection_MalformedEnvelope_RejectsPendingByRecoveredID(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	client := New(jsonrpc2.NewReader(inR, jsonrpc2.JSONCodec), jsonrpc2.NewWriter(outW, jsonrpc2.JSONCodec, nil))
	require.NoError(t, client.Listen(context.Background()))
	t.Cleanup(client.Dispose)
	go io.Copy(io.Discard, outR)

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := client.SendRequest(ctx, "echo", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return client.Snapshot().PendingResponses == 1
	}, time.Second, 5*time.Millisecond)

	// An envelope with an id but neither method nor result/error: Malformed,
	// with the id recoverable so the pending request can still be failed.
	body := []byte(`{"jsonrpc":"2.0","id":1}`)
	frame := fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
	go inW.Write([]byte(frame))

	err := <-errCh
	require.Error(t, err)
	rerr, ok := err.(*jsonrpc2.ResponseError)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.ParseError, rerr.Code)
}

// =============================================================================
// $/setTrace propagation
// =============================================================================

func TestConnection_SetTrace_PropagatesToPeer(t *testing.T) {
	client, server := pair(t)

	require.NoError(t, client.SetTrace(TraceCompact))
	require.Eventually(t, func() bool {
		return server.trace.Level() == TraceCompact
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, TraceCompact, client.trace.Level())
}

// =============================================================================
// Runtime injection
// =============================================================================

// countingRuntime wraps the native runtime and counts SetImmediate posts,
// proving dispatch ticks run on the injected runtime's clock.
type countingRuntime struct {
	ral.Runtime
	timer *countingTimer
}

type countingTimer struct {
	jsonrpc2.Timer
	immediates int64
}

func (t *countingTimer) SetImmediate(fn func()) jsonrpc2.CancelFunc {
	atomic.AddInt64(&t.immediates, 1)
	return t.Timer.SetImmediate(fn)
}

func (r *countingRuntime) Timer() ral.Timer { return r.timer }

func TestConnection_WithRuntime_DispatchTicksUseInjectedTimer(t *testing.T) {
	rt := &countingRuntime{
		Runtime: ral.NewNativeRuntime(),
		timer:   &countingTimer{Timer: jsonrpc2.SystemTimer{}},
	}
	client, server := pair(t, WithRuntime(rt))

	server.OnRequest("echo", func(ctx context.Context, token jsonrpc2.CancellationToken, params json.RawMessage) (interface{}, error) {
		var args []string
		require.NoError(t, json.Unmarshal(params, &args))
		return args[0], nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := client.SendRequest(ctx, "echo", nil, "tick")
	require.NoError(t, err)
	assert.Equal(t, `"tick"`, string(raw))

	// At least two ticks: the server dispatched the request, the client
	// dispatched the response.
	assert.GreaterOrEqual(t, atomic.LoadInt64(&rt.timer.immediates), int64(2))
}
