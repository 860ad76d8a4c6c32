package pollinations

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paintwave/imagenbot/internal/models"
)

// Classified upstream outcomes. The key pool maps each class to its own
// rotation and retry behavior.
var (
	// ErrKeyExhausted means the credential itself is spent (HTTP 402) and
	// must be retired; the request may succeed with another key.
	ErrKeyExhausted = errors.New("pollinations: credential exhausted")
	// ErrContentRejected means the request content was refused. Retrying or
	// rotating credentials cannot help.
	ErrContentRejected = errors.New("pollinations: request rejected")
	// ErrNonImageResponse means a 200 arrived without an image body.
	ErrNonImageResponse = errors.New("pollinations: non-image response")
)

// ServerError is a retryable upstream failure (5xx class).
type ServerError struct {
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("pollinations: server error status=%d body=%s", e.Status, e.Body)
}

// IsTimeout reports whether the error is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type Request struct {
	Prompt string
	Model  models.ModelID
	Width  int
	Height int
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Generate issues one upstream call with the given credential and returns the
// raw image bytes. Failures are classified into the sentinel errors above.
func (c *Client) Generate(ctx context.Context, secret string, req Request) ([]byte, error) {
	if req.Width <= 0 {
		req.Width = 1024
	}
	if req.Height <= 0 {
		req.Height = 1024
	}

	fullURL := fmt.Sprintf("%s/image/%s", c.baseURL, url.PathEscape(req.Prompt))
	params := url.Values{}
	params.Set("model", string(req.Model))
	params.Set("width", strconv.Itoa(req.Width))
	params.Set("height", strconv.Itoa(req.Height))
	fullURL += "?" + params.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+secret)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("get pollinations: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, ErrKeyExhausted
	case resp.StatusCode >= 500:
		if c.log != nil {
			c.log.Error("pollinations server error", "status", resp.StatusCode, "body", truncateBody(body))
		}
		return nil, &ServerError{Status: resp.StatusCode, Body: truncateBody(body)}
	case resp.StatusCode >= 400:
		if c.log != nil {
			c.log.Error("pollinations rejected request", "status", resp.StatusCode, "body", truncateBody(body))
		}
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrContentRejected, resp.StatusCode, truncateBody(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "image") {
		if c.log != nil {
			c.log.Error("pollinations returned non-image", "content_type", contentType, "body", truncateBody(body))
		}
		return nil, fmt.Errorf("%w: content-type=%s", ErrNonImageResponse, contentType)
	}

	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
