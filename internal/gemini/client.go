package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	questionsSystem = "You are an assistant helping a user create a detailed image generation prompt. " +
		"The user gave you their idea. Ask 3-5 short clarifying questions to better understand " +
		"what they want. Write the questions in the SAME language as the user's prompt. " +
		"Number the questions. Do not add any other text."

	refineSystem = "You are an assistant that creates detailed image generation prompts. " +
		"The user gave you their original idea and answers to clarifying questions. " +
		"Create a single detailed prompt in ENGLISH for an image generation model. " +
		"The prompt should be vivid, specific, and describe the scene, style, lighting, " +
		"colors, and composition. Output ONLY the prompt text, nothing else."

	enhanceSystem = "You are an assistant that creates detailed image generation prompts. " +
		"Expand the user's idea into a single vivid, specific prompt in ENGLISH for an " +
		"image generation model. Output ONLY the prompt text, nothing else."

	imageSystem = "You are an assistant that creates detailed image generation prompts. " +
		"The user sent a reference image and an idea. Describe a single detailed prompt " +
		"in ENGLISH that reproduces the style of the image applied to the idea. " +
		"Output ONLY the prompt text, nothing else."
)

// Client talks to the Gemini REST API. Every method is best-effort: callers
// must fall back to the text they already have when a call fails.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(apiKey, baseURL, model string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// AskQuestions produces numbered clarifying questions for the raw idea.
func (c *Client) AskQuestions(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, questionsSystem, []part{{Text: prompt}})
}

// Enhance expands a raw idea into a finished generation prompt.
func (c *Client) Enhance(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, enhanceSystem, []part{{Text: prompt}})
}

// EnhanceWithAnswers combines the original idea and clarification answers.
func (c *Client) EnhanceWithAnswers(ctx context.Context, prompt, answers string) (string, error) {
	text := fmt.Sprintf("Original idea: %s\n\nAnswers to questions:\n%s", prompt, answers)
	return c.generate(ctx, refineSystem, []part{{Text: text}})
}

// EnhanceWithImage builds a prompt from a reference image plus an idea.
func (c *Client) EnhanceWithImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	parts := []part{
		{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
		{Text: prompt},
	}
	return c.generate(ctx, imageSystem, parts)
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (c *Client) generate(ctx context.Context, system string, parts []part) (string, error) {
	payload := map[string]any{
		"system_instruction": map[string]any{
			"parts": []part{{Text: system}},
		},
		"contents": []map[string]any{
			{"parts": parts},
		},
		"generationConfig": map[string]any{
			"temperature": 0.7,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	fullURL := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post gemini: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		if c.log != nil {
			c.log.Error("gemini call failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		}
		return "", fmt.Errorf("gemini error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var genResp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(rawBody, &genResp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w (body=%s)", err, truncateBody(rawBody))
	}

	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty gemini response")
	}

	text := strings.TrimSpace(genResp.Candidates[0].Content.Parts[0].Text)
	if text == "" {
		return "", fmt.Errorf("empty gemini text")
	}
	return text, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
