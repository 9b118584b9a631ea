// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"go.astrophena.name/trxbot/cmd/trxbot/internal/telegram"
	"go.astrophena.name/trxbot/cmd/trxbot/internal/transaction"
)

// Replies sent to the user.
const (
	replyNotUnderstood = "Sorry, I could not understand the transaction details."
	replyDetails       = "Transaction details: "
	replyAdded         = "Transaction added successfully!"
	replyFailed        = "Failed to add transaction. Please try again."
)

func (e *engine) handleTransaction(ctx context.Context, c *telegram.Context) error {
	logger := e.logger.With("request_id", uuid.NewString(), "chat_id", c.Message.Chat.ID)

	in, err := e.input(ctx, c)
	if err != nil {
		logger.Error("resolving photo", "err", err)
		return c.Reply(ctx, replyFailed)
	}
	logger.Info("parsing transaction", "text", in.Text, "has_image", in.ImageURL != "")

	tx := e.parser.ParseTransaction(ctx, in, e.accountNames, e.categoryNames)
	if tx == nil {
		logger.Warn("model didn't return a transaction")
		return c.Reply(ctx, replyNotUnderstood)
	}

	sub := transaction.Resolve(*tx, e.accounts, e.categories)
	logger.Info("adding transaction", "account", sub.Account, "date", sub.Date, "amount", sub.Amount)
	if _, err := e.ledger.AddTransactions(ctx, sub.Account, []transaction.Submitted{sub}); err != nil {
		logger.Error("adding transaction", "err", err)
		return c.Reply(ctx, replyFailed)
	}

	details, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return err
	}
	if err := c.Reply(ctx, replyDetails+string(details)); err != nil {
		return err
	}
	return c.Reply(ctx, replyAdded)
}

// input builds the model input from the message: the caption and the largest
// size of the photo for photos, or the command payload otherwise.
func (e *engine) input(ctx context.Context, c *telegram.Context) (transaction.Input, error) {
	in := transaction.Input{Text: c.Text()}
	photo := c.LargestPhoto()
	if photo == nil {
		return in, nil
	}
	url, err := c.FileURL(ctx, photo.FileID)
	if err != nil {
		return transaction.Input{}, err
	}
	in.ImageURL = url
	return in, nil
}
