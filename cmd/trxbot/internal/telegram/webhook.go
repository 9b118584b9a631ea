// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.astrophena.name/trxbot/internal/web"
)

// WebhookPath is where webhook updates are received.
const WebhookPath = "/telegram"

// Webhook updates bigger than this are rejected.
const maxUpdateSize = 1 << 20

var errNoHost = errors.New("telegram: webhook host is empty")

// WebhookConfig configures [Bot.ServeWebhook].
type WebhookConfig struct {
	// Host is the public host name Telegram sends updates to.
	Host string
	// Addr is the address to listen on.
	Addr string
	// Mux, if not nil, is served alongside the webhook. Use it to register
	// extra health checks.
	Mux *http.ServeMux
	// Ready is called once the server is listening. Used in tests.
	Ready func(addr string)
	// SkipRegistration leaves the webhook setting in Telegram untouched.
	// Used in tests.
	SkipRegistration bool
}

// ServeWebhook registers the webhook with Telegram and serves it until ctx is
// canceled. Like [Bot.Launch], it returns after in-flight handlers are done.
func (b *Bot) ServeWebhook(ctx context.Context, c WebhookConfig) error {
	if c.Host == "" {
		return errNoHost
	}
	if !c.SkipRegistration {
		u := &url.URL{Scheme: "https", Host: c.Host, Path: WebhookPath}
		if _, err := call[bool](ctx, b, b.httpc, "setWebhook", map[string]any{
			"url":             u.String(),
			"secret_token":    b.secret,
			"allowed_updates": []string{"message"},
		}); err != nil {
			return err
		}
		b.logger.Info("webhook registered", "url", u.String())
	}

	mux := c.Mux
	if mux == nil {
		mux = http.NewServeMux()
	}
	mux.Handle("POST "+WebhookPath, b.WebhookHandler(ctx))

	err := web.ListenAndServe(ctx, &web.ListenAndServeConfig{
		Addr: c.Addr,
		Mux:  mux,
		Logf: func(format string, args ...any) {
			b.logger.Info(fmt.Sprintf(format, args...))
		},
		Ready: c.Ready,
	})
	b.inflight.Wait()
	return err
}

// WebhookHandler returns the handler for webhook requests. Updates are
// acknowledged right away and handled in the background.
func (b *Bot) WebhookHandler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if b.secret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(b.secret)) != 1 {
			web.RespondJSONError(w, web.ErrNotFound)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateSize))
		if err != nil {
			web.RespondJSONError(w, err)
			return
		}
		var u Update
		if err := json.Unmarshal(body, &u); err != nil {
			web.RespondJSONError(w, fmt.Errorf("%w: %v", web.ErrBadRequest, err))
			return
		}

		b.handleAsync(ctx, u)
		web.RespondJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
}
