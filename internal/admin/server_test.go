package admin

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/pollinations"
)

type memKeyStore struct {
	keys []models.APIKey
}

func (s *memKeyStore) List(ctx context.Context) ([]models.APIKey, error) {
	out := make([]models.APIKey, len(s.keys))
	copy(out, s.keys)
	return out, nil
}

func (s *memKeyStore) Add(ctx context.Context, secret string, usageLimit int) error {
	s.keys = append(s.keys, models.APIKey{
		ID:         int64(len(s.keys) + 1),
		Secret:     secret,
		UsageLimit: usageLimit,
		IsActive:   true,
	})
	return nil
}

func (s *memKeyStore) IncrementUsage(ctx context.Context, keyID int64) error { return nil }
func (s *memKeyStore) Deactivate(ctx context.Context, keyID int64) error    { return nil }

type noopBackend struct{}

func (noopBackend) Generate(ctx context.Context, secret string, req pollinations.Request) ([]byte, error) {
	return nil, nil
}

func newTestServer(t *testing.T, store *memKeyStore) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := keypool.New(store, noopBackend{}, keypool.Options{}, log)
	require.NoError(t, pool.Load(context.Background()))

	s := NewServer(":0", "admin", "secret", log, pool, nil, nil, nil, nil)
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, &memKeyStore{})

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestKeysRequireAuth(t *testing.T) {
	srv := newTestServer(t, &memKeyStore{})

	resp, err := http.Get(srv.URL + "/keys/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Basic")
}

func TestKeysRejectBadCredentials(t *testing.T) {
	srv := newTestServer(t, &memKeyStore{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/keys/", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListKeysMasksSecrets(t *testing.T) {
	store := &memKeyStore{keys: []models.APIKey{
		{ID: 1, Secret: "sk-live-super-secret-value", UsageCount: 25, UsageLimit: 100, IsActive: true},
	}}
	srv := newTestServer(t, store)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/keys/", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"sk-live-..."`)
	assert.NotContains(t, string(body), "super-secret-value")
	assert.Contains(t, string(body), `"usage_percent":25`)
}

func TestAddKey(t *testing.T) {
	store := &memKeyStore{}
	srv := newTestServer(t, store)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/keys/", strings.NewReader(`{"secret": " sk-new-key "}`))
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	require.Len(t, store.keys, 1)
	assert.Equal(t, "sk-new-key", store.keys[0].Secret)
}

func TestAddKeyRejectsEmptySecret(t *testing.T) {
	srv := newTestServer(t, &memKeyStore{})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/keys/", strings.NewReader(`{"secret": "  "}`))
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "sk-live-...", maskSecret("sk-live-abcdef"))
	assert.Equal(t, "short...", maskSecret("short"))
}
