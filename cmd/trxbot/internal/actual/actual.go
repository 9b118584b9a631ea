// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package actual is a client for an Actual Budget server, reached through its
// REST bridge (actual-http-api).
//
// The client keeps a session flag: [Client.Init] establishes the session once
// and every other call initializes lazily if needed. [Open] and [Client.Close]
// bound the session to a scope.
package actual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.astrophena.name/trxbot/cmd/trxbot/internal/transaction"
	"go.astrophena.name/trxbot/internal/request"
)

var (
	// ErrBudgetNotFound is returned when the server doesn't know the
	// configured budget.
	ErrBudgetNotFound = errors.New("actual: budget not found")
	// ErrClosed is returned by calls made after [Client.Close].
	ErrClosed = errors.New("actual: client is closed")
)

// Opts configure a [Client].
type Opts struct {
	// ServerURL is the base URL of the REST bridge, without the /v1 suffix.
	ServerURL string
	// Token is sent as the x-api-key header.
	Token string
	// BudgetID is the sync id of the budget to work with.
	BudgetID string
	// EncryptionPassword is the optional end-to-end encryption password of the
	// budget.
	EncryptionPassword string
	// HTTPClient is used for all requests. Defaults to request.DefaultClient.
	HTTPClient *http.Client
	// Scrubber masks secrets in returned errors.
	Scrubber *strings.Replacer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to an Actual Budget server. It is safe for concurrent use.
type Client struct {
	baseURL            string
	token              string
	budgetID           string
	encryptionPassword string
	httpc              *http.Client
	scrubber           *strings.Replacer
	logger             *slog.Logger

	mu     sync.Mutex
	ready  bool
	closed bool
	budget Budget
}

// New returns a new Client. It doesn't make any requests.
func New(opts Opts) *Client {
	c := &Client{
		baseURL:            strings.TrimSuffix(opts.ServerURL, "/") + "/v1",
		token:              opts.Token,
		budgetID:           opts.BudgetID,
		encryptionPassword: opts.EncryptionPassword,
		httpc:              opts.HTTPClient,
		scrubber:           opts.Scrubber,
		logger:             opts.Logger,
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Open returns a Client with an established session. The caller must call
// Close when done.
func Open(ctx context.Context, opts Opts) (*Client, error) {
	c := New(opts)
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Budget is a budget file known to the server.
type Budget struct {
	Name        string `json:"name"`
	GroupID     string `json:"groupId"`
	CloudFileID string `json:"cloudFileId"`
	State       string `json:"state,omitempty"`
}

// Account is a ledger account.
type Account struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OffBudget bool   `json:"offbudget"`
	Closed    bool   `json:"closed"`
}

// Category is a ledger category.
type Category struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GroupID  string `json:"group_id"`
	IsIncome bool   `json:"is_income"`
	Hidden   bool   `json:"hidden"`
}

type dataResponse[T any] struct {
	Data T `json:"data"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// Init establishes the session: it checks the server is reachable with the
// configured credentials and that the budget is available. Once Init
// succeeds, subsequent calls do nothing. A failed Init can be retried.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx)
}

func (c *Client) initLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.ready {
		return nil
	}

	budgets, err := call[[]Budget](ctx, c, http.MethodGet, "/budgets", nil)
	if err != nil {
		return fmt.Errorf("actual: listing budgets: %w", err)
	}
	i := -1
	for j, b := range budgets {
		if b.GroupID == c.budgetID || b.CloudFileID == c.budgetID {
			i = j
			break
		}
	}
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrBudgetNotFound, c.budgetID)
	}

	c.budget = budgets[i]
	c.ready = true
	c.logger.Info("ledger session established", "budget", c.budget.Name)
	return nil
}

func (c *Client) ensureInitialized(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ctx)
}

// Close releases the session. Calls made after Close fail with [ErrClosed].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ready = false
	c.logger.Info("ledger session closed")
	return nil
}

// Ready reports whether the session is established.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Budget returns the budget the session is bound to. It is the zero value
// before the session is established.
func (c *Client) Budget() Budget {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budget
}

// Accounts returns all accounts of the budget.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		c.logger.Error("getting accounts", "err", err)
		return nil, err
	}
	accounts, err := call[[]Account](ctx, c, http.MethodGet, c.budgetPath("/accounts"), nil)
	if err != nil {
		c.logger.Error("getting accounts", "err", err)
		return nil, fmt.Errorf("actual: getting accounts: %w", err)
	}
	return accounts, nil
}

// Categories returns all categories of the budget.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		c.logger.Error("getting categories", "err", err)
		return nil, err
	}
	categories, err := call[[]Category](ctx, c, http.MethodGet, c.budgetPath("/categories"), nil)
	if err != nil {
		c.logger.Error("getting categories", "err", err)
		return nil, fmt.Errorf("actual: getting categories: %w", err)
	}
	return categories, nil
}

type addTransactionsRequest struct {
	LearnCategories bool                    `json:"learnCategories"`
	RunTransfers    bool                    `json:"runTransfers"`
	Transactions    []transaction.Submitted `json:"transactions"`
}

// AddTransactions adds txs to the account with the given id. It returns "ok"
// on success. Nothing is rolled back on failure and retrying may create
// duplicates.
func (c *Client) AddTransactions(ctx context.Context, accountID string, txs []transaction.Submitted) (string, error) {
	if err := c.ensureInitialized(ctx); err != nil {
		c.logger.Error("adding transaction", "err", err)
		return "", err
	}
	path := c.budgetPath("/accounts/" + url.PathEscape(accountID) + "/transactions/batch")
	resp, err := request.Make[messageResponse](ctx, c.params(http.MethodPost, path, addTransactionsRequest{
		Transactions: txs,
	}))
	if err != nil {
		c.logger.Error("adding transaction", "err", err, "account", accountID)
		return "", fmt.Errorf("actual: adding transactions: %w", err)
	}
	if resp.Message == "" {
		resp.Message = "ok"
	}
	return resp.Message, nil
}

func (c *Client) budgetPath(path string) string {
	return "/budgets/" + url.PathEscape(c.budgetID) + path
}

func (c *Client) params(method, path string, body any) request.Params {
	headers := map[string]string{
		"x-api-key": c.token,
		"Accept":    "application/json",
	}
	if c.encryptionPassword != "" {
		headers["budget-encryption-password"] = c.encryptionPassword
	}
	return request.Params{
		Method:     method,
		URL:        c.baseURL + path,
		Headers:    headers,
		Body:       body,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	}
}

func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	resp, err := request.Make[dataResponse[T]](ctx, c.params(method, path, body))
	return resp.Data, err
}
