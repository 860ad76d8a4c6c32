package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/paintwave/imagenbot/internal/models"
)

const usageAlertThreshold = 80.0

// Entry describes one completed generation for the audit trail.
type Entry struct {
	RequestID      string
	TelegramID     int64
	Username       string
	Model          models.ModelID
	OriginalPrompt string
	FinalPrompt    string
	Image          []byte
	CreatedAt      time.Time
}

// Sender is the slice of the Telegram API the worker needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Archiver stores a copy of the generated image and returns its public URL.
type Archiver interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// UsageReporter exposes the pool-wide credential usage level.
type UsageReporter interface {
	AverageUsagePercent(ctx context.Context) (float64, error)
}

// Worker drains audit entries off the request path. Its failures are logged
// and contained; nothing here ever reaches the user-facing response.
type Worker struct {
	queue     chan Entry
	sender    Sender
	archiver  Archiver
	usage     UsageReporter
	logChatID int64
	adminID   int64
	log       *slog.Logger

	mu        sync.Mutex
	lastAlert time.Time
}

func NewWorker(sender Sender, archiver Archiver, usage UsageReporter, logChatID, adminID int64, log *slog.Logger) *Worker {
	return &Worker{
		queue:     make(chan Entry, 64),
		sender:    sender,
		archiver:  archiver,
		usage:     usage,
		logChatID: logChatID,
		adminID:   adminID,
		log:       log,
	}
}

// Enqueue hands an entry to the worker without blocking the caller. A full
// queue drops the entry; the generation itself already succeeded.
func (w *Worker) Enqueue(e Entry) {
	select {
	case w.queue <- e:
	default:
		w.log.Warn("audit queue full, dropping entry", "request_id", e.RequestID)
	}
}

// Run processes entries until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.process(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) process(ctx context.Context, e Entry) {
	if w.archiver != nil && len(e.Image) > 0 {
		if url, err := w.archiver.Upload(ctx, e.Image, "image/png"); err != nil {
			w.log.Error("archive generation image", "request_id", e.RequestID, "err", err)
		} else {
			w.log.Info("generation archived", "request_id", e.RequestID, "url", url)
		}
	}

	if w.logChatID != 0 && w.sender != nil {
		w.sendLogMessage(e)
	}

	w.maybeAlertKeyUsage(ctx)
}

func (w *Worker) sendLogMessage(e Entry) {
	username := e.Username
	if username == "" {
		username = "N/A"
	}
	caption := fmt.Sprintf("👤 %s (ID: %d)\n💬 %s\n", username, e.TelegramID, clip(e.OriginalPrompt, 200))
	if e.FinalPrompt != "" && e.FinalPrompt != e.OriginalPrompt {
		caption += fmt.Sprintf("🎯 %s", clip(e.FinalPrompt, 200))
	}

	if len(e.Image) > 0 {
		photo := tgbotapi.NewPhoto(w.logChatID, tgbotapi.FileBytes{
			Name:  "generation.png",
			Bytes: e.Image,
		})
		photo.Caption = clip(caption, 1024)
		if _, err := w.sender.Send(photo); err != nil {
			w.log.Error("send audit photo", "request_id", e.RequestID, "err", err)
		}
		return
	}

	if _, err := w.sender.Send(tgbotapi.NewMessage(w.logChatID, clip(caption, 1024))); err != nil {
		w.log.Error("send audit message", "request_id", e.RequestID, "err", err)
	}
}

// maybeAlertKeyUsage pings the admin when the pool is running hot, at most
// once per hour.
func (w *Worker) maybeAlertKeyUsage(ctx context.Context) {
	if w.usage == nil || w.adminID == 0 || w.sender == nil {
		return
	}

	w.mu.Lock()
	recent := time.Since(w.lastAlert) < time.Hour
	w.mu.Unlock()
	if recent {
		return
	}

	pct, err := w.usage.AverageUsagePercent(ctx)
	if err != nil {
		w.log.Error("check key usage", "err", err)
		return
	}
	if pct <= usageAlertThreshold {
		return
	}

	text := fmt.Sprintf("⚠️ Внимание! Средняя загрузка API ключей: %.0f%%.\nРекомендуется добавить новые ключи.", pct)
	if _, err := w.sender.Send(tgbotapi.NewMessage(w.adminID, text)); err != nil {
		w.log.Error("send usage alert", "err", err)
		return
	}

	w.mu.Lock()
	w.lastAlert = time.Now()
	w.mu.Unlock()
}

func clip(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
