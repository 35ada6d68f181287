package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/clock"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/executor"
	"fieldsync/internal/store"
)

type testEnv struct {
	eng *engine.Engine
	mon *connectivity.Manual
	srv *httptest.Server
	api *Server
}

func newTestEnv(t *testing.T, ex executor.Executor, st store.Store, opts ...Option) *testEnv {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	mon := connectivity.NewManual(false)
	logger := zerolog.Nop()
	cfg := engine.DefaultConfig()
	cfg.TickInterval = time.Hour
	eng, err := engine.New(cfg, engine.Deps{Store: st, Executor: ex, Monitor: mon, Clock: clock.NewFake(time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)), Logger: &logger})
	require.NoError(t, err)
	eng.Initialize(context.Background())

	api := NewServer(eng, append([]Option{WithMonitor(mon)}, opts...)...)
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		api.Close()
		srv.Close()
		eng.Stop()
	})
	return &testEnv{eng: eng, mon: mon, srv: srv, api: api}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func ok() executor.Executor {
	return executor.Func(func(context.Context, domain.QueuedAction, executor.ProgressFunc) (*executor.ConflictInfo, error) {
		return nil, nil
	})
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	code, body := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body)
}

func TestActionLifecycle(t *testing.T) {
	env := newTestEnv(t, ok(), nil)

	code, body := env.do(t, http.MethodPost, "/api/actions", `{"type":"update_order_status","payload":{"orderId":"o1","status":"completed"},"metadata":{"orderId":"o1"}}`)
	require.Equal(t, http.StatusAccepted, code, body)
	var created enqueueResp
	require.NoError(t, json.Unmarshal([]byte(body), &created))
	require.True(t, strings.HasPrefix(created.ID, "act_"))

	code, body = env.do(t, http.MethodGet, "/api/actions/"+created.ID, "")
	require.Equal(t, http.StatusOK, code)
	var a domain.QueuedAction
	require.NoError(t, json.Unmarshal([]byte(body), &a))
	require.Equal(t, domain.StatusPending, a.Status)
	require.Equal(t, "o1", a.Payload["orderId"])

	code, body = env.do(t, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"total":1,"pending":1,"processing":0,"completed":0,"failed":0,"conflict":0}`, body)

	code, body = env.do(t, http.MethodGet, "/api/actions?status=pending", "")
	require.Equal(t, http.StatusOK, code)
	var list []domain.QueuedAction
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	require.Len(t, list, 1)

	code, body = env.do(t, http.MethodGet, "/api/actions?status=failed", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, body)

	code, _ = env.do(t, http.MethodDelete, "/api/actions/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, code)
	code, _ = env.do(t, http.MethodGet, "/api/actions/"+created.ID, "")
	require.Equal(t, http.StatusNotFound, code)
	code, _ = env.do(t, http.MethodDelete, "/api/actions/"+created.ID, "")
	require.Equal(t, http.StatusNotFound, code)
}

func TestEnqueue_BadRequests(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	for _, body := range []string{`{`, `{"payload":{}}`, `{"type":"teleport"}`} {
		code, _ := env.do(t, http.MethodPost, "/api/actions", body)
		require.Equal(t, http.StatusBadRequest, code, body)
	}
}

func TestProcessAndClearCompleted(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	_, err := env.eng.Enqueue(context.Background(), domain.ActionAcceptOrder, map[string]any{"orderId": "o1"}, nil)
	require.NoError(t, err)

	code, body := env.do(t, http.MethodPost, "/api/process", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"ran":false`, "offline")

	code, body = env.do(t, http.MethodPut, "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"online":true,"changed":true}`, body)

	code, body = env.do(t, http.MethodPost, "/api/process", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"ran":true`)
	require.Equal(t, 1, env.eng.GetStats().Completed)

	code, body = env.do(t, http.MethodPost, "/api/actions/clear-completed", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"removed":1}`, body)
	require.Zero(t, env.eng.GetStats().Total)
}

func TestConnectivity(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	code, body := env.do(t, http.MethodGet, "/api/connectivity", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"online":false,"manual":true}`, body)

	code, _ = env.do(t, http.MethodPut, "/api/connectivity", `{}`)
	require.Equal(t, http.StatusBadRequest, code)

	probed := newTestEnv(t, ok(), nil, WithMonitor(connectivity.NewProbe("http://backend.invalid", time.Minute, time.Second)))
	code, _ = probed.do(t, http.MethodPut, "/api/connectivity", `{"online":true}`)
	require.Equal(t, http.StatusConflict, code)
}

func conflictOnce() executor.Executor {
	return executor.Func(func(_ context.Context, a domain.QueuedAction, _ executor.ProgressFunc) (*executor.ConflictInfo, error) {
		if a.Payload["status"] == "completed" {
			return &executor.ConflictInfo{Server: map[string]any{"orderId": "o1", "status": "cancelled"}}, nil
		}
		return nil, nil
	})
}

func TestResolveAndRetry(t *testing.T) {
	env := newTestEnv(t, conflictOnce(), nil)
	ctx := context.Background()
	id, err := env.eng.Enqueue(ctx, domain.ActionUpdateOrderStatus, map[string]any{"orderId": "o1", "status": "completed"}, nil)
	require.NoError(t, err)
	env.mon.SetOnline(true)
	require.True(t, env.eng.ProcessQueue(ctx))
	env.mon.SetOnline(false)

	code, _ := env.do(t, http.MethodPost, "/api/actions/"+id+"/resolve", `{"resolution":"coin_flip"}`)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/api/actions/"+id+"/resolve", "")
	require.Equal(t, http.StatusBadRequest, code, "manual default requires an explicit choice")
	code, _ = env.do(t, http.MethodPost, "/api/actions/act_missing/resolve", `{"resolution":"local_wins"}`)
	require.Equal(t, http.StatusNotFound, code)

	code, body := env.do(t, http.MethodPost, "/api/actions/"+id+"/resolve", `{"resolution":"merge","merged_data":{"orderId":"o1","status":"on_hold"}}`)
	require.Equal(t, http.StatusAccepted, code, body)
	var a domain.QueuedAction
	require.NoError(t, json.Unmarshal([]byte(body), &a))
	require.Equal(t, domain.StatusPending, a.Status)
	require.Equal(t, "on_hold", a.Payload["status"])
	require.True(t, a.ConflictData.Resolved)

	code, _ = env.do(t, http.MethodPost, "/api/actions/"+id+"/resolve", `{"resolution":"local_wins"}`)
	require.Equal(t, http.StatusConflict, code)
	code, _ = env.do(t, http.MethodPost, "/api/actions/"+id+"/retry", "")
	require.Equal(t, http.StatusConflict, code, "pending actions cannot be retried")
}

func TestAttempts(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	code, _ := env.do(t, http.MethodGet, "/api/actions/act_1/attempts", "")
	require.Equal(t, http.StatusNotImplemented, code)

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	failing := executor.Func(func(context.Context, domain.QueuedAction, executor.ProgressFunc) (*executor.ConflictInfo, error) {
		return nil, executor.Permanent(errors.New("order closed"))
	})
	env = newTestEnv(t, failing, st, WithAttemptLog(st))
	id, err := env.eng.Enqueue(context.Background(), domain.ActionAcceptOrder, map[string]any{"orderId": "o1"}, nil)
	require.NoError(t, err)
	env.mon.SetOnline(true)
	require.True(t, env.eng.ProcessQueue(context.Background()))

	code, body := env.do(t, http.MethodGet, "/api/actions/"+id+"/attempts", "")
	require.Equal(t, http.StatusOK, code)
	var attempts []store.Attempt
	require.NoError(t, json.Unmarshal([]byte(body), &attempts))
	require.Len(t, attempts, 1)
	require.Equal(t, "failed", attempts[0].Outcome)
	require.Contains(t, attempts[0].Error, "order closed")

	code, _ = env.do(t, http.MethodPost, "/api/actions/"+id+"/retry", "")
	require.Equal(t, http.StatusAccepted, code)
}

func TestSchedulesWithoutScheduler(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	code, body := env.do(t, http.MethodGet, "/api/schedules", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, body)
}

func TestStatsWebsocket(t *testing.T) {
	env := newTestEnv(t, ok(), nil)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/stats"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() wsMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg wsMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := read()
	require.Equal(t, "stats", first.Type)
	require.Zero(t, first.Payload.Total)

	_, err = env.eng.Enqueue(context.Background(), domain.ActionSendMessage, map[string]any{"orderId": "o1", "body": "hi"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return read().Payload.Pending == 1
	}, 5*time.Second, 10*time.Millisecond)

	env.api.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
