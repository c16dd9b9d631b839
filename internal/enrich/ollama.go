package enrich

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config configures the Ollama enrichment client.
type Config struct {
	Enabled          bool
	BaseURL          string
	Model            string
	PromptTemplate   string
	ImagePrompt      string
	MaxResponseChars int
	Timeout          time.Duration
	ImageTimeout     time.Duration
}

const defaultPromptTemplate = "Summarize the system status in one sentence: %s"

// Client calls a local Ollama instance for free-form text annotations.
// Enrichment is strictly optional: every failure path returns an empty
// string so the caller can ingest without it.
type Client struct {
	cfg    Config
	http   *http.Client
	imgCli *http.Client
	logger *zap.Logger
}

// New constructs a Client. A nil return means enrichment is disabled.
func New(cfg Config, logger *zap.Logger) *Client {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = defaultPromptTemplate
	}
	if cfg.MaxResponseChars <= 0 {
		cfg.MaxResponseChars = 512
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		imgCli: &http.Client{Timeout: cfg.ImageTimeout},
		logger: logger,
	}
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

// Summarize produces a short text summary of the metrics snapshot. Returns
// "" on any failure.
func (c *Client) Summarize(ctx context.Context, snapshot any) string {
	if c == nil {
		return ""
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		c.logger.Debug("summary input encoding failed", zap.Error(err))
		return ""
	}
	prompt := fmt.Sprintf(c.cfg.PromptTemplate, string(encoded))
	return c.generate(ctx, c.http, generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Stream: false,
	})
}

// AnalyzeImage returns a short description of the image at path, using the
// configured image prompt. Returns "" on any failure.
func (c *Client) AnalyzeImage(ctx context.Context, path string) string {
	if c == nil {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Debug("image read failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	prompt := c.cfg.ImagePrompt
	if prompt == "" {
		prompt = "Describe the image in one sentence."
	}
	return c.generate(ctx, c.imgCli, generateRequest{
		Model:  c.cfg.Model,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(raw)},
		Stream: false,
	})
}

func (c *Client) generate(ctx context.Context, cli *http.Client, reqBody generateRequest) string {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/generate", bytes.NewReader(payload))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		c.logger.Debug("ollama request failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("ollama request rejected", zap.Int("status", resp.StatusCode))
		return ""
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.logger.Debug("ollama response decoding failed", zap.Error(err))
		return ""
	}
	text := strings.TrimSpace(out.Response)
	if len(text) > c.cfg.MaxResponseChars {
		text = text[:c.cfg.MaxResponseChars]
	}
	return text
}
