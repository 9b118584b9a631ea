// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"time"
)

// Launch receives updates by long polling until ctx is canceled. Each update
// is handled in its own goroutine with a context that isn't canceled along
// with ctx, so Launch returns only after in-flight handlers are done.
//
// Launch removes any webhook first, since Telegram doesn't allow polling
// while one is set.
func (b *Bot) Launch(ctx context.Context) error {
	if _, err := call[bool](ctx, b, b.httpc, "deleteWebhook", map[string]any{
		"drop_pending_updates": false,
	}); err != nil {
		return err
	}
	b.logger.Info("polling for updates")

	var offset int64
	for ctx.Err() == nil {
		updates, err := call[[]Update](ctx, b, b.pollc, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         int(b.pollTimeout / time.Second),
			"allowed_updates": []string{"message"},
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Error("polling failed", "err", err, "retry_in", b.retryDelay)
			select {
			case <-ctx.Done():
			case <-time.After(b.retryDelay):
			}
			continue
		}
		for _, u := range updates {
			offset = max(offset, u.UpdateID+1)
			b.handleAsync(ctx, u)
		}
	}

	b.logger.Info("polling stopped, waiting for handlers")
	b.inflight.Wait()
	return nil
}

func (b *Bot) handleAsync(ctx context.Context, u Update) {
	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.Dispatch(context.WithoutCancel(ctx), &u)
	}()
}
