package pollinations

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paintwave/imagenbot/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateReturnsImageBytes(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte{0xFF, 0xD8, 0xFF})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	data, err := c.Generate(context.Background(), "secret-key", Request{
		Prompt: "a red fox, winter forest",
		Model:  models.ModelFlux,
		Width:  512,
		Height: 768,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF}, data)
	assert.Equal(t, "/image/a red fox, winter forest", gotPath)
	assert.Equal(t, "Bearer secret-key", gotAuth)
	assert.Equal(t, "flux", gotQuery.Get("model"))
	assert.Equal(t, "512", gotQuery.Get("width"))
	assert.Equal(t, "768", gotQuery.Get("height"))
}

func TestGenerateDefaultsDimensions(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "cat", Model: models.ModelTurbo})
	require.NoError(t, err)
	assert.Equal(t, "1024", gotQuery.Get("width"))
	assert.Equal(t, "1024", gotQuery.Get("height"))
}

func TestGeneratePaymentRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "cat"})
	assert.ErrorIs(t, err, ErrKeyExhausted)
}

func TestGenerateClientErrorIsContentRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "prompt violates content policy", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "bad"})
	assert.ErrorIs(t, err, ErrContentRejected)
	assert.Contains(t, err.Error(), "content policy")
}

func TestGenerateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream melted", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "cat"})

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusBadGateway, serverErr.Status)
	assert.Contains(t, serverErr.Body, "upstream melted")
}

func TestGenerateNonImageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>rate limited maybe</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "cat"})
	assert.ErrorIs(t, err, ErrNonImageResponse)
}

func TestGenerateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 50*time.Millisecond, testLogger())
	_, err := c.Generate(context.Background(), "k", Request{Prompt: "cat"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.True(t, IsTimeout(&net.OpError{Op: "read", Err: timeoutErr{}}))
	assert.False(t, IsTimeout(errors.New("plain failure")))
	assert.False(t, IsTimeout(nil))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }
