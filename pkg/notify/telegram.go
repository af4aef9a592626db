// Package notify delivers run summaries and result files to Telegram.
// Delivery is fire-and-forget: a failure here is logged and must never
// fail the run itself.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultBaseURL is the Telegram Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Config holds notifier credentials and transport settings.
type Config struct {
	// Token is the bot token. Empty disables the notifier.
	Token string

	// ChatID is the destination chat. Empty disables the notifier.
	ChatID string

	// BaseURL overrides the API endpoint (for testing).
	BaseURL string

	// Timeout per API call.
	Timeout time.Duration
}

// ConfigFromEnv reads the Telegram credentials from the environment,
// once at startup.
func ConfigFromEnv() Config {
	return Config{
		Token:  os.Getenv("TELEGRAM_TOKEN"),
		ChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
}

// Enabled reports whether both credentials are present.
func (c Config) Enabled() bool {
	return c.Token != "" && c.ChatID != ""
}

// Telegram sends notifications through the Bot API.
type Telegram struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// NewTelegram creates a notifier from the given configuration.
func NewTelegram(cfg Config) *Telegram {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Telegram{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     log.With().Str("component", "notifier").Logger(),
	}
}

// SendMessage posts a text message to the configured chat.
func (t *Telegram) SendMessage(ctx context.Context, text string) error {
	form := url.Values{}
	form.Set("chat_id", t.config.ChatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.apiURL("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return t.do(req, "sendMessage")
}

// SendFile uploads a document to the configured chat with a caption.
func (t *Telegram) SendFile(ctx context.Context, path, caption string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open result file: %w", err)
	}
	defer file.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", t.config.ChatID); err != nil {
		return fmt.Errorf("build sendDocument request: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build sendDocument request: %w", err)
		}
	}
	part, err := writer.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return fmt.Errorf("build sendDocument request: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("read result file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build sendDocument request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.apiURL("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("build sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return t.do(req, "sendDocument")
}

func (t *Telegram) apiURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.config.BaseURL, t.config.Token, method)
}

func (t *Telegram) do(req *http.Request, method string) error {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram %s: unexpected status %s", method, resp.Status)
	}

	t.logger.Debug().Str("method", method).Msg("Notification delivered")
	return nil
}
