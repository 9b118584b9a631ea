// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a minimal Telegram Bot API client that routes incoming
// messages to handlers. Updates are received either by long polling
// ([Bot.Launch]) or through a webhook ([Bot.ServeWebhook]).
package telegram

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.astrophena.name/trxbot/internal/request"
)

// APIURL is the Telegram Bot API endpoint.
const APIURL = "https://api.telegram.org"

// TransactionCommand is the command that submits a transaction.
const TransactionCommand = "trx"

const (
	defaultPollTimeout = 30 * time.Second
	defaultRetryDelay  = 3 * time.Second
)

// HandlerFunc handles a single message. Returned errors are logged.
type HandlerFunc func(ctx context.Context, c *Context) error

// Opts configure a [Bot].
type Opts struct {
	// Token is the bot token obtained from @BotFather.
	Token string
	// WebhookSecret is checked against the X-Telegram-Bot-Api-Secret-Token
	// header of webhook requests.
	WebhookSecret string
	// AllowedUsers restricts who can talk to the bot. Empty means everyone.
	AllowedUsers []int64
	// HTTPClient is used for API calls. Defaults to request.DefaultClient.
	HTTPClient *http.Client
	// PollTimeout is the long polling timeout. Defaults to 30 seconds.
	PollTimeout time.Duration
	// RetryDelay is the pause after a failed poll. Defaults to 3 seconds.
	RetryDelay time.Duration
	// Scrubber masks secrets in returned errors.
	Scrubber *strings.Replacer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Bot is a Telegram bot. Register handlers before starting to receive updates.
type Bot struct {
	token       string
	secret      string
	allowed     map[int64]bool
	httpc       *http.Client
	pollc       *http.Client
	pollTimeout time.Duration
	retryDelay  time.Duration
	scrubber    *strings.Replacer
	logger      *slog.Logger

	mu       sync.RWMutex
	username string
	commands map[string]HandlerFunc
	onPhoto  HandlerFunc

	inflight sync.WaitGroup
}

// New returns a new Bot. It doesn't make any requests.
func New(opts Opts) *Bot {
	b := &Bot{
		token:       opts.Token,
		secret:      opts.WebhookSecret,
		httpc:       opts.HTTPClient,
		pollTimeout: opts.PollTimeout,
		retryDelay:  opts.RetryDelay,
		scrubber:    opts.Scrubber,
		logger:      opts.Logger,
		commands:    make(map[string]HandlerFunc),
	}
	if b.httpc == nil {
		b.httpc = request.DefaultClient
	}
	if b.pollTimeout == 0 {
		b.pollTimeout = defaultPollTimeout
	}
	if b.retryDelay == 0 {
		b.retryDelay = defaultRetryDelay
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if len(opts.AllowedUsers) > 0 {
		b.allowed = make(map[int64]bool, len(opts.AllowedUsers))
		for _, id := range opts.AllowedUsers {
			b.allowed[id] = true
		}
	}

	// Long polling requests are held by the server for up to pollTimeout.
	pc := *b.httpc
	pc.Timeout = b.pollTimeout + 10*time.Second
	b.pollc = &pc

	return b
}

// Command registers h for the /name command.
func (b *Bot) Command(name string, h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[strings.ToLower(name)] = h
}

// OnPhoto registers h for messages with a photo.
func (b *Bot) OnPhoto(h HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPhoto = h
}

// CommandTransaction registers h for the transaction command and for photos.
func (b *Bot) CommandTransaction(h HandlerFunc) {
	b.Command(TransactionCommand, h)
	b.OnPhoto(h)
}

// Me calls getMe, which validates the token, and remembers the bot username
// for matching commands addressed as /command@username.
func (b *Bot) Me(ctx context.Context) (User, error) {
	me, err := call[User](ctx, b, b.httpc, "getMe", nil)
	if err != nil {
		return User{}, err
	}
	b.mu.Lock()
	b.username = me.Username
	b.mu.Unlock()
	return me, nil
}

// Dispatch routes u to the matching handler and waits for it to return. A
// panicking handler is recovered.
func (b *Bot) Dispatch(ctx context.Context, u *Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	logger := b.logger.With("update_id", u.UpdateID, "chat_id", msg.Chat.ID)

	if !b.isAllowed(msg.From) {
		var from int64
		if msg.From != nil {
			from = msg.From.ID
		}
		logger.Warn("ignoring message from unknown user", "user_id", from)
		return
	}

	h := b.route(msg)
	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := h(ctx, &Context{Message: msg, bot: b}); err != nil {
		logger.Error("handler failed", "err", b.scrub(err.Error()))
	}
}

func (b *Bot) isAllowed(from *User) bool {
	if b.allowed == nil {
		return true
	}
	return from != nil && b.allowed[from.ID]
}

func (b *Bot) route(msg *Message) HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(msg.Photo) > 0 {
		return b.onPhoto
	}
	name, ok := b.parseCommand(msg.Text)
	if !ok {
		return nil
	}
	return b.commands[name]
}

// parseCommand extracts the command name from text like "/trx@my_bot args".
// Commands addressed to another bot are rejected. Must be called with b.mu
// held.
func (b *Bot) parseCommand(text string) (name string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	first, _, _ := strings.Cut(text[1:], " ")
	first, _, _ = strings.Cut(first, "\n")
	name, addressee, addressed := strings.Cut(first, "@")
	if addressed && !strings.EqualFold(addressee, b.username) {
		return "", false
	}
	if name == "" {
		return "", false
	}
	return strings.ToLower(name), true
}

func (b *Bot) scrub(s string) string {
	if b.scrubber == nil {
		return s
	}
	return b.scrubber.Replace(s)
}

func (b *Bot) methodURL(method string) string {
	return APIURL + "/bot" + b.token + "/" + method
}

func call[T any](ctx context.Context, b *Bot, httpc *http.Client, method string, args any) (T, error) {
	httpMethod := http.MethodGet
	if args != nil {
		httpMethod = http.MethodPost
	}
	resp, err := request.Make[response[T]](ctx, request.Params{
		Method:     httpMethod,
		URL:        b.methodURL(method),
		Body:       args,
		HTTPClient: httpc,
		Scrubber:   b.scrubber,
	})
	if err != nil {
		return resp.Result, fmt.Errorf("telegram: %s: %w", method, err)
	}
	if !resp.OK {
		return resp.Result, fmt.Errorf("telegram: %s: %s", method, cmp.Or(resp.Description, "request failed"))
	}
	return resp.Result, nil
}
