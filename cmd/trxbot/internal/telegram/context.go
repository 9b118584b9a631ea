// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package telegram

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

// Context is passed to handlers and gives access to the incoming message.
type Context struct {
	Message *Message
	bot     *Bot
}

// Text returns the user input: the text after the command for commands, or
// the caption for photos. A leading command in a caption is dropped as well.
func (c *Context) Text() string {
	s := c.Message.Text
	if len(c.Message.Photo) > 0 {
		s = c.Message.Caption
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		i := strings.IndexFunc(s, unicode.IsSpace)
		if i < 0 {
			return ""
		}
		s = s[i:]
	}
	return strings.TrimSpace(s)
}

// LargestPhoto returns the biggest available size of the attached photo, or
// nil if there is none.
func (c *Context) LargestPhoto() *PhotoSize {
	var best *PhotoSize
	for i := range c.Message.Photo {
		p := &c.Message.Photo[i]
		if best == nil || photoArea(p) > photoArea(best) ||
			(photoArea(p) == photoArea(best) && p.FileSize > best.FileSize) {
			best = p
		}
	}
	return best
}

func photoArea(p *PhotoSize) int { return p.Width * p.Height }

// FileURL resolves fileID to a URL the file can be downloaded from. The URL
// contains the bot token.
func (c *Context) FileURL(ctx context.Context, fileID string) (string, error) {
	f, err := call[File](ctx, c.bot, c.bot.httpc, "getFile", map[string]string{
		"file_id": fileID,
	})
	if err != nil {
		return "", err
	}
	if f.FilePath == "" {
		return "", errors.New("telegram: getFile: file path is empty")
	}
	return APIURL + "/file/bot" + c.bot.token + "/" + f.FilePath, nil
}

// Reply sends text to the chat the message came from.
func (c *Context) Reply(ctx context.Context, text string) error {
	_, err := call[Message](ctx, c.bot, c.bot.httpc, "sendMessage", map[string]any{
		"chat_id": c.Message.Chat.ID,
		"text":    text,
	})
	return err
}
