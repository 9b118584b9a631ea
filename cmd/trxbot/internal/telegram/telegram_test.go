// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.astrophena.name/trxbot/internal/testutil"
	"go.astrophena.name/trxbot/internal/web"
)

// Typical Telegram Bot API token, copied from docs.
const tgToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

const (
	getMeTelegram      = "GET api.telegram.org/{token}/getMe"
	getUpdatesTelegram = "POST api.telegram.org/{token}/getUpdates"
	postTelegram       = "POST api.telegram.org/{token}/{method}"
)

type apiCall struct {
	Method string
	Args   map[string]any
}

type fakeAPI struct {
	mux   *http.ServeMux
	mu    sync.Mutex
	calls []apiCall
}

func newFakeAPI(t *testing.T, overrides map[string]http.HandlerFunc) *fakeAPI {
	t.Helper()

	api := &fakeAPI{mux: http.NewServeMux()}
	api.mux.HandleFunc(getMeTelegram, orHandler(overrides[getMeTelegram], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		web.RespondJSON(w, http.StatusOK, response[User]{
			OK:     true,
			Result: User{ID: 42, IsBot: true, FirstName: "Trx", Username: "trx_test_bot"},
		})
	}))
	if h := overrides[getUpdatesTelegram]; h != nil {
		api.mux.HandleFunc(getUpdatesTelegram, h)
	}
	api.mux.HandleFunc(postTelegram, orHandler(overrides[postTelegram], func(w http.ResponseWriter, r *http.Request) {
		testutil.AssertEqual(t, strings.TrimPrefix(r.PathValue("token"), "bot"), tgToken)
		b, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		method := r.PathValue("method")
		api.mu.Lock()
		api.calls = append(api.calls, apiCall{
			Method: method,
			Args:   testutil.UnmarshalJSON[map[string]any](t, b),
		})
		api.mu.Unlock()

		switch method {
		case "getFile":
			web.RespondJSON(w, http.StatusOK, response[File]{OK: true, Result: File{FileID: "big", FilePath: "photos/file_7.jpg"}})
		case "sendMessage":
			web.RespondJSON(w, http.StatusOK, response[Message]{OK: true, Result: Message{MessageID: 100}})
		default:
			web.RespondJSON(w, http.StatusOK, response[bool]{OK: true, Result: true})
		}
	}))
	return api
}

func (api *fakeAPI) Calls(method string) []apiCall {
	api.mu.Lock()
	defer api.mu.Unlock()
	var calls []apiCall
	for _, c := range api.calls {
		if c.Method == method {
			calls = append(calls, c)
		}
	}
	return calls
}

func orHandler(override, fallback http.HandlerFunc) http.HandlerFunc {
	if override != nil {
		return override
	}
	return fallback
}

func testBot(t *testing.T, api *fakeAPI, allowed ...int64) *Bot {
	t.Helper()
	b := New(Opts{
		Token:         tgToken,
		WebhookSecret: "s3cret",
		AllowedUsers:  allowed,
		HTTPClient:    testutil.MockHTTPClient(api.mux),
		PollTimeout:   time.Second,
		RetryDelay:    time.Millisecond,
		Scrubber:      strings.NewReplacer(tgToken, "[EXPUNGED]"),
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if _, err := b.Me(context.Background()); err != nil {
		t.Fatal(err)
	}
	return b
}

func textMessage(text string) *Update {
	return &Update{
		UpdateID: 1,
		Message: &Message{
			MessageID: 10,
			From:      &User{ID: 7, FirstName: "Alice"},
			Chat:      Chat{ID: 700, Type: "private"},
			Text:      text,
		},
	}
}

func photoMessage(caption string) *Update {
	u := textMessage("")
	u.Message.Caption = caption
	u.Message.Photo = []PhotoSize{
		{FileID: "small", Width: 90, Height: 90, FileSize: 1000},
		{FileID: "big", Width: 1280, Height: 960, FileSize: 90000},
		{FileID: "medium", Width: 320, Height: 240, FileSize: 9000},
	}
	return u
}

func TestMe(t *testing.T) {
	t.Parallel()

	b := testBot(t, newFakeAPI(t, nil))
	testutil.AssertEqual(t, b.username, "trx_test_bot")
}

func TestMeFailure(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, map[string]http.HandlerFunc{
		getMeTelegram: func(w http.ResponseWriter, r *http.Request) {
			web.RespondJSON(w, http.StatusUnauthorized, response[User]{Description: "Unauthorized", ErrorCode: 401})
		},
	})
	b := New(Opts{Token: tgToken, HTTPClient: testutil.MockHTTPClient(api.mux), Scrubber: strings.NewReplacer(tgToken, "[EXPUNGED]")})
	_, err := b.Me(context.Background())
	if err == nil {
		t.Fatal("want error, got nil")
	}
	if strings.Contains(err.Error(), tgToken) {
		t.Fatalf("error leaks token: %v", err)
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		update   *Update
		allowed  []int64
		wantCall bool
		wantText string
	}{
		"command with payload": {
			update:   textMessage("/trx coffee 4.50 at Cafe"),
			wantCall: true,
			wantText: "coffee 4.50 at Cafe",
		},
		"command on new line": {
			update:   textMessage("/trx\ncoffee 4.50"),
			wantCall: true,
			wantText: "coffee 4.50",
		},
		"command addressed to this bot": {
			update:   textMessage("/trx@trx_test_bot salary 1000"),
			wantCall: true,
			wantText: "salary 1000",
		},
		"command addressed to this bot in other case": {
			update:   textMessage("/TRX@Trx_Test_Bot salary 1000"),
			wantCall: true,
			wantText: "salary 1000",
		},
		"command without payload": {
			update:   textMessage("/trx"),
			wantCall: true,
			wantText: "",
		},
		"command addressed to another bot": {
			update: textMessage("/trx@other_bot coffee"),
		},
		"unknown command": {
			update: textMessage("/start"),
		},
		"plain text": {
			update: textMessage("coffee 4.50"),
		},
		"photo with caption": {
			update:   photoMessage("groceries"),
			wantCall: true,
			wantText: "groceries",
		},
		"photo with command caption": {
			update:   photoMessage("/trx groceries"),
			wantCall: true,
			wantText: "groceries",
		},
		"photo without caption": {
			update:   photoMessage(""),
			wantCall: true,
			wantText: "",
		},
		"allowed user": {
			update:   textMessage("/trx coffee"),
			allowed:  []int64{7},
			wantCall: true,
			wantText: "coffee",
		},
		"unknown user": {
			update:  textMessage("/trx coffee"),
			allowed: []int64{8},
		},
		"no message": {
			update: &Update{UpdateID: 3},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := testBot(t, newFakeAPI(t, nil), tc.allowed...)
			var (
				called bool
				text   string
			)
			b.CommandTransaction(func(ctx context.Context, c *Context) error {
				called = true
				text = c.Text()
				return nil
			})
			b.Dispatch(context.Background(), tc.update)

			testutil.AssertEqual(t, called, tc.wantCall)
			testutil.AssertEqual(t, text, tc.wantText)
		})
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	t.Parallel()

	b := testBot(t, newFakeAPI(t, nil))
	b.Command("trx", func(ctx context.Context, c *Context) error {
		panic("boom")
	})
	b.Dispatch(context.Background(), textMessage("/trx coffee"))

	// Still works afterwards.
	var called bool
	b.Command("trx", func(ctx context.Context, c *Context) error {
		called = true
		return errors.New("handler error is logged, not returned")
	})
	b.Dispatch(context.Background(), textMessage("/trx coffee"))
	testutil.AssertEqual(t, called, true)
}

func TestReply(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, nil)
	b := testBot(t, api)
	b.Command("trx", func(ctx context.Context, c *Context) error {
		return c.Reply(ctx, "Transaction added successfully!")
	})
	b.Dispatch(context.Background(), textMessage("/trx coffee"))

	testutil.AssertEqual(t, api.Calls("sendMessage"), []apiCall{
		{
			Method: "sendMessage",
			Args: map[string]any{
				"chat_id": float64(700),
				"text":    "Transaction added successfully!",
			},
		},
	})
}

func TestFileURL(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, nil)
	b := testBot(t, api)

	var (
		got    string
		gotErr error
	)
	b.OnPhoto(func(ctx context.Context, c *Context) error {
		got, gotErr = c.FileURL(ctx, c.LargestPhoto().FileID)
		return gotErr
	})
	b.Dispatch(context.Background(), photoMessage("groceries"))

	if gotErr != nil {
		t.Fatal(gotErr)
	}
	testutil.AssertEqual(t, got, "https://api.telegram.org/file/bot"+tgToken+"/photos/file_7.jpg")
	testutil.AssertEqual(t, api.Calls("getFile"), []apiCall{
		{Method: "getFile", Args: map[string]any{"file_id": "big"}},
	})
}

func TestLargestPhoto(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		photo []PhotoSize
		want  string
	}{
		"none": {},
		"by area": {
			photo: photoMessage("").Message.Photo,
			want:  "big",
		},
		"same area, bigger file wins": {
			photo: []PhotoSize{
				{FileID: "a", Width: 100, Height: 100, FileSize: 10},
				{FileID: "b", Width: 100, Height: 100, FileSize: 20},
			},
			want: "b",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			c := &Context{Message: &Message{Photo: tc.photo}}
			got := c.LargestPhoto()
			if tc.want == "" {
				if got != nil {
					t.Fatalf("want nil, got %+v", got)
				}
				return
			}
			testutil.AssertEqual(t, got.FileID, tc.want)
		})
	}
}

func TestLaunch(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		polls int
	)
	api := newFakeAPI(t, map[string]http.HandlerFunc{
		getUpdatesTelegram: func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			polls++
			n := polls
			mu.Unlock()

			switch n {
			case 1:
				// Transient failure; polling must resume.
				http.Error(w, "bad gateway", http.StatusBadGateway)
			case 2:
				web.RespondJSON(w, http.StatusOK, response[[]Update]{OK: true, Result: []Update{*textMessage("/trx coffee 4.50")}})
			default:
				<-r.Context().Done()
			}
		},
	})
	b := testBot(t, api)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.CommandTransaction(func(hctx context.Context, c *Context) error {
		// Shut down while the handler is still running; the handler context
		// must survive it.
		cancel()
		time.Sleep(10 * time.Millisecond)
		if err := hctx.Err(); err != nil {
			t.Errorf("handler context canceled: %v", err)
		}
		return c.Reply(hctx, "Transaction added successfully!")
	})

	if err := b.Launch(ctx); err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, len(api.Calls("deleteWebhook")), 1)
	testutil.AssertEqual(t, len(api.Calls("sendMessage")), 1)
	mu.Lock()
	defer mu.Unlock()
	if polls < 2 {
		t.Fatalf("want at least 2 polls, got %d", polls)
	}
}

func TestWebhookHandler(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		secret     string
		body       string
		wantStatus int
		wantCall   bool
	}{
		"valid": {
			secret:     "s3cret",
			body:       `{"update_id":5,"message":{"message_id":1,"from":{"id":7},"chat":{"id":700,"type":"private"},"text":"/trx coffee"}}`,
			wantStatus: http.StatusOK,
			wantCall:   true,
		},
		"wrong secret": {
			secret:     "nope",
			body:       `{"update_id":5}`,
			wantStatus: http.StatusNotFound,
		},
		"bad json": {
			secret:     "s3cret",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			b := testBot(t, newFakeAPI(t, nil))
			var (
				mu     sync.Mutex
				called bool
			)
			b.CommandTransaction(func(ctx context.Context, c *Context) error {
				mu.Lock()
				defer mu.Unlock()
				called = true
				return nil
			})

			r := httptest.NewRequest(http.MethodPost, WebhookPath, strings.NewReader(tc.body))
			r.Header.Set("X-Telegram-Bot-Api-Secret-Token", tc.secret)
			w := httptest.NewRecorder()
			b.WebhookHandler(context.Background()).ServeHTTP(w, r)
			b.inflight.Wait()

			testutil.AssertEqual(t, w.Code, tc.wantStatus)
			mu.Lock()
			defer mu.Unlock()
			testutil.AssertEqual(t, called, tc.wantCall)
		})
	}
}

func TestServeWebhook(t *testing.T) {
	t.Parallel()

	api := newFakeAPI(t, nil)
	b := testBot(t, api)

	handled := make(chan string, 1)
	b.CommandTransaction(func(ctx context.Context, c *Context) error {
		handled <- c.Text()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.ServeWebhook(ctx, WebhookConfig{
			Host:  "bot.example.com",
			Addr:  "localhost:0",
			Ready: func(addr string) { ready <- addr },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatal(err)
	}

	body := []byte(`{"update_id":9,"message":{"message_id":1,"from":{"id":7},"chat":{"id":700,"type":"private"},"text":"/trx lunch 12"}}`)
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+WebhookPath, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	testutil.AssertEqual(t, resp.StatusCode, http.StatusOK)
	testutil.AssertEqual(t, <-handled, "lunch 12")

	health, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	testutil.AssertEqual(t, health.StatusCode, http.StatusOK)

	cancel()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}

	testutil.AssertEqual(t, api.Calls("setWebhook"), []apiCall{
		{
			Method: "setWebhook",
			Args: map[string]any{
				"url":             "https://bot.example.com/telegram",
				"secret_token":    "s3cret",
				"allowed_updates": []any{"message"},
			},
		},
	})
}

func TestServeWebhookNoHost(t *testing.T) {
	t.Parallel()

	b := testBot(t, newFakeAPI(t, nil))
	err := b.ServeWebhook(context.Background(), WebhookConfig{Addr: "localhost:0"})
	if !errors.Is(err, errNoHost) {
		t.Fatalf("want errNoHost, got %v", err)
	}
}
