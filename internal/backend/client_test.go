package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"fieldsync/internal/domain"
	"fieldsync/internal/executor"
)

type captured struct {
	method, path, idempotencyKey, auth, contentType string
	body                                            map[string]any
}

func recordingServer(t *testing.T, status int, respond string) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{
			method:         r.Method,
			path:           r.URL.Path,
			idempotencyKey: r.Header.Get("Idempotency-Key"),
			auth:           r.Header.Get("Authorization"),
			contentType:    r.Header.Get("Content-Type"),
		}
		if strings.HasPrefix(c.contentType, "application/json") {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&c.body))
		}
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respond)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func newRegistry(c *Client) *executor.Registry {
	reg := executor.NewRegistry()
	c.Register(reg)
	return reg
}

func TestRegister_CoversEveryActionType(t *testing.T) {
	reg := newRegistry(NewClient("http://backend.invalid"))
	for _, at := range domain.AllActionTypes {
		require.True(t, reg.Has(at), at)
	}
}

func TestExecute_Routes(t *testing.T) {
	cases := []struct {
		typ     domain.ActionType
		payload map[string]any
		method  string
		path    string
	}{
		{domain.ActionUpdateOrderStatus, map[string]any{"orderId": "o1", "status": "completed"}, http.MethodPatch, "/orders/o1/status"},
		{domain.ActionSendMessage, map[string]any{"orderId": "o1", "body": "on my way"}, http.MethodPost, "/orders/o1/messages"},
		{domain.ActionUpdateLocation, map[string]any{"lat": 52.1, "lng": 4.3}, http.MethodPost, "/technicians/location"},
		{domain.ActionAcceptOrder, map[string]any{"orderId": "o2"}, http.MethodPost, "/orders/o2/accept"},
		{domain.ActionDeclineOrder, map[string]any{"orderId": "o3", "reason": "too far"}, http.MethodPost, "/orders/o3/decline"},
		{domain.ActionUpdateProfile, map[string]any{"name": "Ada"}, http.MethodPatch, "/technicians/profile"},
		{domain.ActionCreateOrderNote, map[string]any{"orderId": "o 4", "text": "gate 42"}, http.MethodPost, "/orders/o%204/notes"},
		{domain.ActionUpdateServiceArea, map[string]any{"radiusKm": 25.0}, http.MethodPut, "/technicians/service-area"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			srv, requests := recordingServer(t, http.StatusOK, `{}`)
			reg := newRegistry(NewClient(srv.URL, WithToken("secret")))

			a := domain.QueuedAction{ID: "act_" + string(tc.typ), Type: tc.typ, Payload: tc.payload}
			conflict, err := reg.Execute(context.Background(), a, nil)
			require.NoError(t, err)
			require.Nil(t, conflict)

			got := requests()
			require.Len(t, got, 1)
			require.Equal(t, tc.method, got[0].method)
			require.Equal(t, strings.ReplaceAll(tc.path, "%20", " "), got[0].path)
			require.Equal(t, a.ID, got[0].idempotencyKey)
			require.Equal(t, "Bearer secret", got[0].auth)
			require.NotContains(t, got[0].body, "orderId")
		})
	}
}

func TestExecute_ConflictCarriesServerState(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict, `{"server":{"status":"cancelled","version":7}}`)
	reg := newRegistry(NewClient(srv.URL))

	a := domain.QueuedAction{ID: "act_1", Type: domain.ActionUpdateOrderStatus, Payload: map[string]any{"orderId": "o1", "status": "completed"}}
	conflict, err := reg.Execute(context.Background(), a, nil)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	require.Equal(t, "cancelled", conflict.Server["status"])
	require.EqualValues(t, 7, conflict.Server["version"])
}

func TestExecute_BareConflictBody(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusConflict, `{"name":"Server"}`)
	reg := newRegistry(NewClient(srv.URL))

	conflict, err := reg.Execute(context.Background(), domain.QueuedAction{ID: "act_1", Type: domain.ActionUpdateProfile, Payload: map[string]any{"name": "Local"}}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "Server"}, conflict.Server)
}

func TestExecute_ErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusNotFound, true},
		{http.StatusUnprocessableEntity, true},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv, _ := recordingServer(t, tc.status, "nope")
			reg := newRegistry(NewClient(srv.URL))
			_, err := reg.Execute(context.Background(), domain.QueuedAction{ID: "act_1", Type: domain.ActionAcceptOrder, Payload: map[string]any{"orderId": "o1"}}, nil)
			require.Error(t, err)
			require.Equal(t, tc.permanent, executor.IsPermanent(err))

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			require.Equal(t, tc.status, apiErr.StatusCode)
			require.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestExecute_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	reg := newRegistry(NewClient(url))
	_, err := reg.Execute(context.Background(), domain.QueuedAction{ID: "act_1", Type: domain.ActionAcceptOrder, Payload: map[string]any{"orderId": "o1"}}, nil)
	require.Error(t, err)
	require.False(t, executor.IsPermanent(err))
}

func TestExecute_MissingPathFieldIsPermanent(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, "")
	reg := newRegistry(NewClient(srv.URL))
	_, err := reg.Execute(context.Background(), domain.QueuedAction{ID: "act_1", Type: domain.ActionSendMessage, Payload: map[string]any{"body": "hi"}}, nil)
	require.ErrorIs(t, err, ErrMissingField)
	require.True(t, executor.IsPermanent(err))
	require.Empty(t, requests())
}

func TestUploadPhoto(t *testing.T) {
	content := strings.Repeat("jpegdata", 64*1024)
	dir := t.TempDir()
	photo := filepath.Join(dir, "site.jpg")
	require.NoError(t, os.WriteFile(photo, []byte(content), 0o600))

	var gotFile, gotCaption, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotCaption = r.FormValue("caption")
		f, hdr, err := r.FormFile("photo")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "site.jpg", hdr.Filename)
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		gotFile = string(b)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	var progress []int
	reg := newRegistry(NewClient(srv.URL))
	a := domain.QueuedAction{ID: "act_p", Type: domain.ActionUploadPhoto, Payload: map[string]any{
		"orderId": "o1",
		"uri":     "file://" + photo,
		"caption": "meter",
	}}
	conflict, err := reg.Execute(context.Background(), a, func(p int) { progress = append(progress, p) })
	require.NoError(t, err)
	require.Nil(t, conflict)

	require.Equal(t, "/orders/o1/photos", gotPath)
	require.Equal(t, "meter", gotCaption)
	require.Equal(t, content, gotFile)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i], progress[i-1])
	}
	require.LessOrEqual(t, progress[len(progress)-1], 99)
}

func TestUploadPhoto_MissingFileIsPermanent(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK, "")
	reg := newRegistry(NewClient(srv.URL))
	a := domain.QueuedAction{ID: "act_p", Type: domain.ActionUploadPhoto, Payload: map[string]any{
		"orderId": "o1",
		"uri":     filepath.Join(t.TempDir(), "gone.jpg"),
	}}
	_, err := reg.Execute(context.Background(), a, nil)
	require.True(t, executor.IsPermanent(err))
	require.Empty(t, requests())
}

func TestRateLimitHonorsContext(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusOK, "")
	c := NewClient(srv.URL, WithRateLimit(0.001, 1))
	reg := newRegistry(c)
	a := domain.QueuedAction{ID: "act_1", Type: domain.ActionAcceptOrder, Payload: map[string]any{"orderId": "o1"}}

	_, err := reg.Execute(context.Background(), a, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = reg.Execute(ctx, a, nil)
	require.Error(t, err)
	require.False(t, executor.IsPermanent(err))
}
