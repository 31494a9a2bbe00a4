package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbureau/bureau/pkg/types"
)

// dialTestServer serves srv on a loopback listener and dials it,
// exercising the same TCP path a remote operator tool would use.
func dialTestServer(t *testing.T, srv *Server) *Client {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(wireTimeout):
			t.Error("server did not stop after cancel")
		}
	})

	cl, err := Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func TestClientCallRoundTrip(t *testing.T) {
	deps := testDeps(t)
	cl := dialTestServer(t, NewServer(deps))
	ws := initTestWorkspace(t)

	var desc workspaceDescription
	err := cl.Call(context.Background(), "workspace.describe",
		map[string]any{"workspace_dir": ws.Root()}, &desc)
	require.NoError(t, err)
	require.NotNil(t, desc.Company)
	assert.Equal(t, "acme", desc.Company.CompanyID)
	require.Len(t, desc.Projects, 1)
	assert.Equal(t, "p1", desc.Projects[0].ProjectID)
}

func TestClientCallSurfacesServerFault(t *testing.T) {
	cl := dialTestServer(t, NewServer(Deps{}))

	err := cl.Call(context.Background(), "no.such.method", nil, nil)
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, codeMethodNotFound, ce.Code)
	assert.Empty(t, ce.ReasonCode())

	err = cl.Call(context.Background(), "workspace.describe", map[string]any{}, nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, codeInvalidParams, ce.Code)
}

func TestCallErrorReasonCode(t *testing.T) {
	ce := &CallError{
		Code:    codeApplication,
		Message: "artifact body contains sensitive values",
		Data:    json.RawMessage(`{"reason_code":"SECRET_DETECTED","total_matches":1}`),
	}
	assert.Equal(t, types.ReasonSecretDetected, ce.ReasonCode())
	assert.Empty(t, (&CallError{Code: codeApplication}).ReasonCode())
}

func TestClientConcurrentCallsMatchResponses(t *testing.T) {
	deps := testDeps(t)
	cl := dialTestServer(t, NewServer(deps))
	ws := initTestWorkspace(t)

	const callers = 16
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var desc workspaceDescription
			if err := cl.Call(context.Background(), "workspace.describe",
				map[string]any{"workspace_dir": ws.Root()}, &desc); err != nil {
				errs <- err
				return
			}
			if desc.Company == nil || desc.Company.CompanyID != "acme" {
				errs <- fmt.Errorf("mismatched response: %+v", desc)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClientNotificationsStream(t *testing.T) {
	deps := testDeps(t)
	cl := dialTestServer(t, NewServer(deps))
	ws := initTestWorkspace(t)

	appendEvent(t, deps.Log, ws, "r1", types.EventRunStarted)

	var res eventsSubscribeResult
	require.NoError(t, cl.Call(context.Background(), "events.subscribe", map[string]any{
		"workspace_dir":  ws.Root(),
		"project_id":     "p1",
		"backfill_limit": 5,
	}, &res))

	select {
	case n := <-cl.Notifications():
		assert.Equal(t, "events.notification", n.Method)
		var en eventNotification
		require.NoError(t, json.Unmarshal(n.Params, &en))
		assert.Equal(t, res.SubscriptionID, en.SubscriptionID)
		require.NotNil(t, en.Event)
		assert.Equal(t, types.EventRunStarted, en.Event.Type)
	case <-time.After(wireTimeout):
		t.Fatal("no notification arrived")
	}
}

func TestClientCloseFailsLaterCalls(t *testing.T) {
	cl := dialTestServer(t, NewServer(Deps{}))
	require.NoError(t, cl.Close())

	err := cl.Call(context.Background(), "workspace.describe",
		map[string]any{"workspace_dir": "/tmp"}, nil)
	require.Error(t, err)
	var ce *CallError
	assert.False(t, errors.As(err, &ce), "a dead connection must not look like a server fault")
}

func TestClientContextDeadlineAbandonsCall(t *testing.T) {
	// A listener that accepts and drains but never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()

	cl, err := Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = cl.Call(ctx, "monitor.runs", map[string]any{"workspace_dir": "/tmp"}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
