// Package narrative writes the opening paragraph of customer alerts using
// an OpenAI-compatible chat completions endpoint.
package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/notify"
)

const breakerKey = "narrative"

var (
	ErrMissingURL = errors.New("narrative: base URL is required")
	ErrNoChoices  = errors.New("narrative: no completion choices returned")
)

// Config configures the narrative client.
type Config struct {
	BaseURL     string // e.g. https://api.groq.com/openai/v1
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client implements notify.NarrativeGenerator.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	breaker     *circuitbreaker.Breaker
}

// New creates a narrative client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingURL
	}
	model := cfg.Model
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.4
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 300
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint:    strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:      cfg.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		breaker:     circuitbreaker.New(5, time.Minute),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// WithBreaker replaces the circuit breaker.
func (c *Client) WithBreaker(b *circuitbreaker.Breaker) *Client {
	c.breaker = b
	return c
}

// Summarize asks the model for a short alert intro.
func (c *Client) Summarize(ctx context.Context, req notify.NarrativeRequest) (string, error) {
	var intro string
	err := c.breaker.Do(breakerKey, func() error {
		var err error
		intro, err = c.complete(ctx, Prompt(req))
		return err
	})
	return intro, err
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write short customer security notices for a bank. Reply with the email body text only, no subject line and no markdown."},
			{Role: "user", Content: prompt},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narrative API error (status %d): %s", resp.StatusCode, truncate(string(data), 200))
	}

	var out chatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrNoChoices
	}
	return cleanIntro(out.Choices[0].Message.Content), nil
}

// Prompt builds the user prompt for a group of alerts.
func Prompt(req notify.NarrativeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a Relationship Manager at %s.\n", req.RMName, req.BankName)
	fmt.Fprintf(&b, "Write a short, urgent email body to %s.\n", req.CustomerName)
	fmt.Fprintf(&b, "Context: we noticed suspicious activity: %s.\n", strings.Join(req.Reasons, "; "))
	b.WriteString("Instructions:\n")
	b.WriteString("- Keep it professional and urgent.\n")
	b.WriteString("- Ask them to review the table of transactions that follows.\n")
	b.WriteString("- Ask for a Yes/No reply.\n")
	b.WriteString("- Do not include rule identifiers or a signature.\n")
	return b.String()
}

// cleanIntro strips a markdown code fence and surrounding whitespace.
func cleanIntro(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
		Index        int         `json:"index"`
	} `json:"choices"`
}

var _ notify.NarrativeGenerator = (*Client)(nil)
