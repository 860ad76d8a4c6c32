package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/repository"
)

type Server struct {
	addr        string
	username    string
	password    string
	log         *slog.Logger
	pool        *keypool.Pool
	keys        *repository.KeyRepository
	users       *repository.UserRepository
	generations *repository.GenerationRepository
	bot         *tgbotapi.BotAPI
	router      *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, pool *keypool.Pool, keys *repository.KeyRepository, users *repository.UserRepository, generations *repository.GenerationRepository, bot *tgbotapi.BotAPI) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:        addr,
		username:    username,
		password:    password,
		log:         log,
		pool:        pool,
		keys:        keys,
		users:       users,
		generations: generations,
		bot:         bot,
		router:      r,
	}
	r.Get("/health", s.handleHealth)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Get("/stats", s.handleStats)
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleAddKey)
		})
	})
	return s
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin panel listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type keyView struct {
	ID           int64   `json:"id"`
	SecretMasked string  `json:"secret"`
	UsageCount   int     `json:"usage_count"`
	UsageLimit   int     `json:"usage_limit"`
	UsagePercent float64 `json:"usage_percent"`
	IsActive     bool    `json:"is_active"`
	CreatedAt    string  `json:"created_at"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.pool.Keys()
	views := make([]keyView, 0, len(keys))
	for _, k := range keys {
		pct := 0.0
		if k.UsageLimit > 0 {
			pct = float64(k.UsageCount) / float64(k.UsageLimit) * 100
		}
		views = append(views, keyView{
			ID:           k.ID,
			SecretMasked: maskSecret(k.Secret),
			UsageCount:   k.UsageCount,
			UsageLimit:   k.UsageLimit,
			UsagePercent: pct,
			IsActive:     k.IsActive,
			CreatedAt:    k.CreatedAt.Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type addKeyRequest struct {
	Secret string `json:"secret"`
}

func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		http.Error(w, "secret required", http.StatusBadRequest)
		return
	}
	if err := s.pool.AddKey(r.Context(), secret); err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"secret": maskSecret(secret)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	totalUsers, err := s.users.CountAll(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	totalGens, err := s.generations.CountAll(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	todayGens, err := s.generations.CountForDay(ctx, time.Now().UTC())
	if err != nil {
		s.internalError(w, err)
		return
	}
	keyUsagePct, err := s.keys.AverageUsagePercent(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"total_users":       totalUsers,
		"total_generations": totalGens,
		"today_generations": todayGens,
		"key_usage_percent": keyUsagePct,
	})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ids, err := s.users.ListTelegramIDs(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		msg := tgbotapi.NewMessage(id, req.Message)
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Error("send broadcast", "user", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="imagenbot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return secret + "..."
	}
	return secret[:8] + "..."
}
