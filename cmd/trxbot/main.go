// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"go.astrophena.name/trxbot/cmd/trxbot/internal/actual"
	"go.astrophena.name/trxbot/cmd/trxbot/internal/config"
	"go.astrophena.name/trxbot/cmd/trxbot/internal/gemini"
	"go.astrophena.name/trxbot/cmd/trxbot/internal/telegram"
	"go.astrophena.name/trxbot/cmd/trxbot/internal/transaction"
	"go.astrophena.name/trxbot/internal/cli"
	"go.astrophena.name/trxbot/internal/httplogger"
	"go.astrophena.name/trxbot/internal/logger"
	"go.astrophena.name/trxbot/internal/request"
	"go.astrophena.name/trxbot/internal/systemd"
	"go.astrophena.name/trxbot/internal/web"
)

func main() { cli.Main(new(engine)) }

func (e *engine) Flags(fs *flag.FlagSet) {
	fs.StringVar(&e.addr, "addr", "", "Listen on `host:port` in webhook mode. Overrides ADDR.")
}

type transactionParser interface {
	ParseTransaction(ctx context.Context, in transaction.Input, accountNames, categoryNames []string) *transaction.Transaction
}

type engine struct {
	// initialized by Run
	cfg    config.Settings
	logger *logger.Logger
	ledger *actual.Client
	bot    *telegram.Bot

	// read-only after startup
	accounts      transaction.Index
	categories    transaction.Index
	accountNames  []string
	categoryNames []string

	// configuration
	addr  string
	httpc *http.Client // used for all outbound requests if set

	// for tests
	parser   transactionParser
	noLaunch bool
	ready    func(addr string)
}

// Gemini responses and image downloads take longer than regular API calls.
const modelTimeout = 60 * time.Second

func (e *engine) Run(ctx context.Context, env *cli.Env) error {
	cfg, err := config.Load(env.Environ())
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
	}
	if e.addr != "" {
		cfg.Addr = e.addr
	}
	e.cfg = cfg

	scrubber := cfg.Scrubber()
	e.logger, err = logger.New(env.Stderr, logger.Options{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Scrubber: scrubber,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", cli.ErrInvalidArgs, err)
	}
	ctx = logger.Put(ctx, e.logger)

	apic, modelc := e.httpc, e.httpc
	if apic == nil {
		apic = request.DefaultClient
		modelc = &http.Client{Timeout: modelTimeout}
	}
	apic = httplogger.Wrap(apic, e.logger.Logger)
	modelc = httplogger.Wrap(modelc, e.logger.Logger)

	e.bot = telegram.New(telegram.Opts{
		Token:         cfg.BotToken,
		WebhookSecret: cfg.WebhookSecret,
		AllowedUsers:  cfg.AllowedUsers,
		HTTPClient:    apic,
		Scrubber:      scrubber,
		Logger:        e.logger.Logger,
	})
	me, err := e.bot.Me(ctx)
	if err != nil {
		return err
	}
	e.logger.Info("authorized on Telegram", "username", me.Username)

	if e.parser == nil {
		gc, err := gemini.New(ctx, gemini.Opts{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.GeminiModel,
			HTTPClient: modelc,
			Scrubber:   scrubber,
			Logger:     e.logger.Logger,
		})
		if err != nil {
			return err
		}
		defer gc.Close()
		e.parser = gc
	}

	e.ledger, err = actual.Open(ctx, actual.Opts{
		ServerURL:          cfg.ActualURL,
		Token:              cfg.ActualToken,
		BudgetID:           cfg.ActualBudgetID,
		EncryptionPassword: cfg.ActualEncryptionPassword,
		HTTPClient:         apic,
		Scrubber:           scrubber,
		Logger:             e.logger.Logger,
	})
	if err != nil {
		return err
	}
	if err := e.loadReferenceData(ctx); err != nil {
		e.ledger.Close()
		return err
	}

	e.bot.CommandTransaction(e.handleTransaction)

	// Used in tests.
	if e.noLaunch {
		return nil
	}
	defer e.ledger.Close()

	sd := systemd.FromEnv(env.Getenv, e.logger.Logger)
	go sd.WatchdogLoop(ctx)
	defer sd.Notify(systemd.Stopping)

	if cfg.WebhookHost == "" {
		sd.Notify(systemd.Ready)
		return e.bot.Launch(ctx)
	}
	mux := http.NewServeMux()
	web.Health(mux).RegisterFunc("ledger", func() (status string, ok bool) {
		if e.ledger.Ready() {
			return "session established for budget " + e.ledger.Budget().Name, true
		}
		return "no session", false
	})
	return e.bot.ServeWebhook(ctx, telegram.WebhookConfig{
		Host: cfg.WebhookHost,
		Addr: cfg.Addr,
		Mux:  mux,
		Ready: func(addr string) {
			sd.Notify(systemd.Ready)
			if e.ready != nil {
				e.ready(addr)
			}
		},
	})
}

// loadReferenceData fetches accounts and categories and builds the name to id
// indexes used to resolve parsed transactions.
func (e *engine) loadReferenceData(ctx context.Context) error {
	var (
		accounts   []actual.Account
		categories []actual.Category
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		accounts, err = e.ledger.Accounts(gctx)
		return err
	})
	g.Go(func() (err error) {
		categories, err = e.ledger.Categories(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	e.accounts = transaction.NewIndex(accounts, func(a actual.Account) (string, string) { return a.Name, a.ID })
	e.categories = transaction.NewIndex(categories, func(c actual.Category) (string, string) { return c.Name, c.ID })
	e.accountNames = names(accounts, func(a actual.Account) string { return a.Name })
	e.categoryNames = names(categories, func(c actual.Category) string { return c.Name })

	e.logger.Info("loaded budget", "budget", e.ledger.Budget().Name, "accounts", e.accountNames, "categories", len(e.categoryNames))
	return nil
}

func names[T any](items []T, name func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if n := name(item); n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
