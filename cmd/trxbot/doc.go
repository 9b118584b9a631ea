// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Trxbot is a Telegram bot that records transactions in Actual Budget.

Send it a message like

	/trx coffee 4.50 at Cafe Nero, paid from Checking

or a photo of a receipt, optionally with a caption, and it asks Gemini to turn
that into a transaction using the accounts and categories of your budget, adds
the transaction to the budget and replies with what was added.

Amounts are negative for expenses and positive for income. When no date is
given, today is assumed.

# Configuration

Trxbot is configured through environment variables:

  - BOT_TOKEN: Telegram bot token.
  - GEMINI_API_KEY: Gemini API key.
  - GEMINI_MODEL: Gemini model (default: gemini-2.0-flash-exp).
  - ACTUAL_API_URL: URL of the Actual Budget REST API (actual-http-api).
  - ACTUAL_API_TOKEN: API key of the Actual Budget REST API.
  - ACTUAL_BUDGET_ID: sync ID of the budget.
  - ACTUAL_ENCRYPTION_PASSWORD: budget encryption password, if any.
  - ALLOWED_USERS: comma-separated Telegram user IDs allowed to use the bot.
    Everyone is allowed if empty.
  - WEBHOOK_HOST: public host name; if set, updates are received through a
    webhook instead of long polling.
  - WEBHOOK_SECRET: secret token of the webhook.
  - ADDR: address to listen on in webhook mode (default: localhost:3000).
  - LOG_LEVEL: debug, info (default), warn or error.
  - LOG_FORMAT: text (default) or json.

# Usage

	$ trxbot [flags...]
*/
package main

import (
	_ "embed"

	"go.astrophena.name/trxbot/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
