package upload_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uploadcast/internal/transport"
	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

// Endpoint A always accepts; endpoint B rejects the first upload of each
// file with a 500 and accepts the second.
func TestTwoFilesTwoEndpoints(t *testing.T) {
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srvA.Close()

	var mu sync.Mutex
	seen := map[string]int{}
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Basic dTpw", r.Header.Get("Authorization"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = f.Close()
		mu.Lock()
		seen[hdr.Filename]++
		n := seen[hdr.Filename]
		mu.Unlock()
		if n == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srvB.Close()

	dir := t.TempDir()
	var fhs []upload.FileHandle
	for name, size := range map[string]int{"small.bin": 10, "large.bin": 2048} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{'x'}, size), 0o600))
		fh, err := upload.NewFileHandle(p)
		require.NoError(t, err)
		require.Equal(t, int64(size), fh.Size)
		fhs = append(fhs, fh)
	}
	eps := []upload.Endpoint{
		{ID: "A", Name: "alpha", URL: srvA.URL, Auth: upload.Auth{Kind: upload.AuthBearer, Token: "abc"}},
		{ID: "B", Name: "beta", URL: srvB.URL, Auth: upload.Auth{Kind: upload.AuthBasic, Username: "u", Password: "p"}},
	}

	var evMu sync.Mutex
	var events []upload.Event
	o, err := upload.New(transport.New(transport.Options{}),
		upload.WithLogger(logx.Nop()),
		upload.WithLimits(upload.Limits{MaxConcurrentUploads: 2, MaxRetryAttempts: 1}),
		upload.WithObserver(upload.ObserverFunc(func(ev upload.Event) {
			evMu.Lock()
			events = append(events, ev)
			evMu.Unlock()
		})),
	)
	require.NoError(t, err)
	defer func() { _ = o.Close(context.Background()) }()

	run, err := o.RunUpload(context.Background(), fhs, eps)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sum, err := run.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, sum.Success)
	require.Equal(t, 0, sum.Failure)
	require.Equal(t, 4, sum.Total)
	require.Equal(t, 1.0, sum.Progress)

	for _, tk := range run.Tasks() {
		require.Equal(t, upload.StatusSuccess, tk.Status)
		switch tk.Endpoint.ID {
		case "A":
			require.Equal(t, 1, tk.Attempt)
			require.Equal(t, 200, tk.StatusCode)
			require.Equal(t, `{"ok":true}`, tk.ResponseBody)
		case "B":
			require.Equal(t, 2, tk.Attempt)
			require.Equal(t, 201, tk.StatusCode)
		}
	}

	evMu.Lock()
	defer evMu.Unlock()
	var sawHTTP500, sawRetry bool
	for _, ev := range events {
		if ev.EndpointID != "B" {
			continue
		}
		if ev.Message == "HTTP 500: Internal Server Error" {
			sawHTTP500 = true
			require.Equal(t, "try again\n", ev.ResponseBody)
		}
		if ev.Message == "Retry attempt 2 of 1" {
			sawRetry = true
			require.Equal(t, upload.StatusRetrying, ev.Status)
		}
	}
	require.True(t, sawHTTP500)
	require.True(t, sawRetry)
}
