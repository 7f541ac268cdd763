// Package llm calls a hosted chat-completions model for written commentary on
// a cohort summary. One request, one response: no streaming and no retries.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cohort-dashboard/internal/errors"
)

const (
	DefaultModel    = "llama3-8b-8192"
	DefaultEndpoint = "https://api.groq.com/openai/v1/chat/completions"
	DefaultQuestion = "Analyze the cohort retention data and provide key Financial Planning and Analysis insights."

	systemPrompt = "You are an AI-powered FP&A analyst providing financial insights."

	maxErrorBody = 200
)

type Config struct {
	APIKey   string
	Model    string
	Endpoint string
	Timeout  time.Duration
}

type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Prompt builds the user message sent alongside the fixed system prompt.
func Prompt(summary, question string) string {
	question = strings.TrimSpace(question)
	if question == "" {
		question = DefaultQuestion
	}
	return "The cohort retention analysis is summarized below:\n" + summary + "\n" + question
}

// Commentary asks the model about the summary. Every failure is returned as a
// SERVICE_ERROR.
func (c *Client) Commentary(ctx context.Context, summary, question string) (string, error) {
	start := time.Now()
	text, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: Prompt(summary, question)},
	})
	if err != nil {
		c.logger.Error("commentary request failed",
			"model", c.config.Model,
			"duration", time.Since(start),
			"error", err,
		)
		return "", errors.Service(err, "commentary service failed")
	}

	c.logger.Info("commentary generated",
		"model", c.config.Model,
		"duration", time.Since(start),
		"chars", len(text),
	)
	return text, nil
}

func (c *Client) complete(ctx context.Context, messages []chatMessage) (string, error) {
	body, err := json.Marshal(chatRequest{Model: c.config.Model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), maxErrorBody))
		}
		return "", fmt.Errorf("decode response: %w", err)
	}

	if parsed.Error != nil {
		return "", fmt.Errorf("status %d: %s (%s)", resp.StatusCode, parsed.Error.Message, parsed.Error.Type)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), maxErrorBody))
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty completion")
	}

	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
