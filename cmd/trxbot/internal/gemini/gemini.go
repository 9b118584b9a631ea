// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package gemini turns free-form transaction descriptions and receipt photos
// into structured transactions using the Gemini API.
package gemini

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"go.astrophena.name/trxbot/cmd/trxbot/internal/transaction"
	"go.astrophena.name/trxbot/internal/request"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.0-flash-exp"

const (
	dateLayout = "2006-01-02"
	// Telegram doesn't let bots download files bigger than 20 MB.
	maxImageSize = 20 << 20
	// Used when the image server doesn't say what it returned.
	defaultImageType = "image/jpeg"
)

type generator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// Opts configure a [Client].
type Opts struct {
	// APIKey is the Gemini API key.
	APIKey string
	// Model is the model name. Defaults to DefaultModel.
	Model string
	// HTTPClient is used to download images. Defaults to
	// request.DefaultClient.
	HTTPClient *http.Client
	// Scrubber masks secrets in logged errors.
	Scrubber *strings.Replacer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client parses transactions. It is safe for concurrent use.
type Client struct {
	gen      generator
	close    func() error
	httpc    *http.Client
	scrubber *strings.Replacer
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Client backed by the Gemini API.
func New(ctx context.Context, opts Opts) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	gc, err := genai.NewClient(ctx, option.WithAPIKey(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %w", err)
	}
	model := gc.GenerativeModel(cmp.Or(opts.Model, DefaultModel))
	configure(model)

	c := newClient(model, opts)
	c.close = gc.Close
	return c, nil
}

func newClient(gen generator, opts Opts) *Client {
	c := &Client{
		gen:      gen,
		close:    func() error { return nil },
		httpc:    opts.HTTPClient,
		scrubber: opts.Scrubber,
		logger:   opts.Logger,
		now:      time.Now,
	}
	if c.httpc == nil {
		c.httpc = request.DefaultClient
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func configure(m *genai.GenerativeModel) {
	m.SetTemperature(1)
	m.SetTopP(0.95)
	m.SetTopK(40)
	m.SetMaxOutputTokens(8192)
	m.ResponseMIMEType = "application/json"
	m.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"account":    {Type: genai.TypeString},
			"date":       {Type: genai.TypeString},
			"amount":     {Type: genai.TypeNumber},
			"payee_name": {Type: genai.TypeString},
			"category":   {Type: genai.TypeString},
			"notes":      {Type: genai.TypeString},
		},
		Required: []string{"account", "date", "amount"},
	}
}

// Close releases the underlying API client.
func (c *Client) Close() error { return c.close() }

// ParseTransaction extracts a transaction from in. accountNames and
// categoryNames are the vocabularies the model should pick from.
//
// It returns nil if the model couldn't produce a usable transaction; the
// reason is logged.
func (c *Client) ParseTransaction(ctx context.Context, in transaction.Input, accountNames, categoryNames []string) *transaction.Transaction {
	today := c.now().Format(dateLayout)

	parts := []genai.Part{genai.Text(buildPrompt(in, today, accountNames, categoryNames))}
	if in.ImageURL != "" {
		img, err := c.fetchImage(ctx, in.ImageURL)
		if err != nil {
			c.logError("fetching image", err)
			return nil
		}
		parts = append(parts, img)
	}

	resp, err := c.gen.GenerateContent(ctx, parts...)
	if err != nil {
		c.logError("generating content", err)
		return nil
	}
	raw := responseText(resp)
	if raw == "" {
		c.logger.Error("parsing transaction", "err", "empty response from model")
		return nil
	}
	c.logger.Debug("model response", "raw", raw)

	tx, err := decode(raw, today)
	if err != nil {
		c.logger.Error("parsing transaction", "err", err, "raw", raw)
		return nil
	}
	return tx
}

func (c *Client) logError(msg string, err error) {
	s := err.Error()
	if c.scrubber != nil {
		s = c.scrubber.Replace(s)
	}
	c.logger.Error(msg, "err", s)
}

func (c *Client) fetchImage(ctx context.Context, url string) (genai.Blob, error) {
	data, contentType, err := request.Download(ctx, request.Params{
		URL:        url,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	}, maxImageSize)
	if err != nil {
		return genai.Blob{}, err
	}
	if len(data) == 0 {
		return genai.Blob{}, errors.New("empty image")
	}
	return genai.Blob{MIMEType: imageType(contentType), Data: data}, nil
}

func imageType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return defaultImageType
	}
	return mt
}

func buildPrompt(in transaction.Input, today string, accountNames, categoryNames []string) string {
	var sb strings.Builder
	if in.ImageURL != "" {
		fmt.Fprintf(&sb, "Extract transaction details from the image and consider this additional context: %q. ", in.Text)
	} else {
		sb.WriteString("Parse the following transaction info into a valid transaction. ")
	}
	fmt.Fprintf(&sb, "Default date is today %s. ", today)
	fmt.Fprintf(&sb, "Available accounts: %s. ", strings.Join(accountNames, ", "))
	fmt.Fprintf(&sb, "Available categories: %s. ", strings.Join(categoryNames, ", "))
	sb.WriteString("Use negative amount for expense and positive for income.")
	if in.ImageURL == "" {
		fmt.Fprintf(&sb, " Input: %s", in.Text)
	}
	return sb.String()
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		// Only the first candidate with content counts.
		if sb.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(sb.String())
}

type candidate struct {
	Account   string   `json:"account"`
	Date      string   `json:"date"`
	Amount    *float64 `json:"amount"`
	PayeeName string   `json:"payee_name"`
	Category  string   `json:"category"`
	Notes     string   `json:"notes"`
}

func decode(raw, today string) (*transaction.Transaction, error) {
	s := stripCodeFence(raw)

	var c candidate
	if strings.HasPrefix(s, "[") {
		var list []candidate
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		if len(list) == 0 {
			return nil, errors.New("model returned an empty list")
		}
		c = list[0]
	} else if err := json.Unmarshal([]byte(s), &c); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if strings.TrimSpace(c.Account) == "" {
		return nil, errors.New("missing account")
	}
	if c.Amount == nil {
		return nil, errors.New("missing amount")
	}
	if !transaction.ValidAmount(*c.Amount) {
		return nil, fmt.Errorf("amount %v out of range", *c.Amount)
	}

	return &transaction.Transaction{
		Account:   strings.TrimSpace(c.Account),
		Date:      normalizeDate(c.Date, today),
		Amount:    *c.Amount,
		PayeeName: c.PayeeName,
		Category:  c.Category,
		Notes:     c.Notes,
	}, nil
}

func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening line, which may carry a language tag.
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var dateLayouts = []string{
	dateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

func normalizeDate(s, today string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return today
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(dateLayout)
		}
	}
	return today
}
