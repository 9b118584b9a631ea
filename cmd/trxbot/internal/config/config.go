// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package config loads trxbot settings from the environment.
package config

import (
	"fmt"
	"strings"

	env "github.com/caarlos0/env/v11"
)

// Settings holds credentials and endpoints. It is populated once at startup and
// not modified afterwards. Nothing is validated beyond parsing: unset values
// are empty.
type Settings struct {
	BotToken string `env:"BOT_TOKEN"`

	GeminiAPIKey string `env:"GEMINI_API_KEY"`
	GeminiModel  string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash-exp"`

	ActualURL                string `env:"ACTUAL_API_URL"`
	ActualToken              string `env:"ACTUAL_API_TOKEN"`
	ActualBudgetID           string `env:"ACTUAL_BUDGET_ID"`
	ActualEncryptionPassword string `env:"ACTUAL_ENCRYPTION_PASSWORD"`

	// AllowedUsers restricts who can talk to the bot. Empty means everyone.
	AllowedUsers []int64 `env:"ALLOWED_USERS" envSeparator:","`

	// WebhookHost switches the bot from long polling to webhook delivery.
	WebhookHost   string `env:"WEBHOOK_HOST"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	Addr          string `env:"ADDR" envDefault:"localhost:3000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses settings from environ, a list of "key=value" strings as returned
// by [os.Environ].
func Load(environ []string) (Settings, error) {
	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[k] = v
	}

	s, err := env.ParseAsWithOptions[Settings](env.Options{Environment: vars})
	if err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	return s, nil
}

// Secrets returns the non-empty secret values, for scrubbing them from logs
// and error messages.
func (s Settings) Secrets() []string {
	var secrets []string
	for _, v := range []string{
		s.BotToken,
		s.GeminiAPIKey,
		s.ActualToken,
		s.ActualEncryptionPassword,
		s.WebhookSecret,
	} {
		if v != "" {
			secrets = append(secrets, v)
		}
	}
	return secrets
}

// Scrubber returns a replacer that masks all secrets, or nil if there are none.
func (s Settings) Scrubber() *strings.Replacer {
	secrets := s.Secrets()
	if len(secrets) == 0 {
		return nil
	}
	pairs := make([]string, 0, len(secrets)*2)
	for _, v := range secrets {
		pairs = append(pairs, v, "[EXPUNGED]")
	}
	return strings.NewReplacer(pairs...)
}
