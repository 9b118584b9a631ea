// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.astrophena.name/trxbot/internal/testutil"
)

func TestListenAndServe(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, &ListenAndServeConfig{
			Addr:  "localhost:0",
			Mux:   mux,
			Logf:  t.Logf,
			Ready: func(addr string) { ready <- addr },
		})
	}()

	addr := <-ready
	for _, path := range []string{"/ping", "/health"} {
		res, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatal(err)
		}
		res.Body.Close()
		testutil.AssertEqual(t, res.StatusCode, http.StatusOK)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ListenAndServe returned error after shutdown: %v", err)
	}
}

func TestListenAndServeConfigErrors(t *testing.T) {
	t.Parallel()

	if err := ListenAndServe(context.Background(), &ListenAndServeConfig{Mux: http.NewServeMux()}); !errors.Is(err, errNoAddr) {
		t.Fatalf("want errNoAddr, got %v", err)
	}
	if err := ListenAndServe(context.Background(), &ListenAndServeConfig{Addr: "localhost:0"}); !errors.Is(err, errNilMux) {
		t.Fatalf("want errNilMux, got %v", err)
	}
}

func TestRespondJSONError(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		err        error
		wantStatus int
		wantBody   errorResponse
	}{
		"status error": {
			err:        fmt.Errorf("update %w", ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantBody:   errorResponse{Status: "error", Error: "update not found"},
		},
		"plain error": {
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   errorResponse{Status: "error", Error: "boom"},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondJSONError(rec, tc.err)
			testutil.AssertEqual(t, rec.Code, tc.wantStatus)
			testutil.AssertEqual(t, rec.Header().Get("Content-Type"), "application/json")
			testutil.AssertEqual(t, testutil.UnmarshalJSON[errorResponse](t, rec.Body.Bytes()), tc.wantBody)
		})
	}
}
