package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/paintwave/imagenbot/internal/audit"
	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/pollinations"
	"github.com/paintwave/imagenbot/internal/quota"
	"github.com/paintwave/imagenbot/internal/session"
)

// Enricher is the optional prompt-enrichment service. Every call is
// best-effort; a failure never blocks generation.
type Enricher interface {
	AskQuestions(ctx context.Context, prompt string) (string, error)
	Enhance(ctx context.Context, prompt string) (string, error)
	EnhanceWithAnswers(ctx context.Context, prompt, answers string) (string, error)
	EnhanceWithImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error)
}

// ImagePool is the credential-rotating upstream caller.
type ImagePool interface {
	AcquireAndCall(ctx context.Context, req pollinations.Request) ([]byte, error)
}

// QuotaGate checks and consumes per-model daily quota.
type QuotaGate interface {
	Check(ctx context.Context, userID int64, model models.ModelID) (quota.Status, error)
	Record(ctx context.Context, userID int64, model models.ModelID) error
}

// GenerationLog appends immutable generation records.
type GenerationLog interface {
	Append(ctx context.Context, gen *models.Generation) error
}

// AuditSink receives completed generations off the response path.
type AuditSink interface {
	Enqueue(e audit.Entry)
}

// OutcomeKind tells the transport what to show the user.
type OutcomeKind int

const (
	// OutcomeQuestions asks the user to answer clarifying questions.
	OutcomeQuestions OutcomeKind = iota + 1
	// OutcomeImage delivers a finished image.
	OutcomeImage
	// OutcomeQuotaExceeded rejects the request before any upstream work.
	OutcomeQuotaExceeded
	// OutcomeFailure carries a key-pool failure kind.
	OutcomeFailure
	// OutcomeDiscarded means the session moved on before the result arrived.
	OutcomeDiscarded
)

// Outcome is the result of one user event fed through the engine.
type Outcome struct {
	Kind        OutcomeKind
	RequestID   string
	Questions   string
	Image       []byte
	FinalPrompt string
	Quota       quota.Status
	FailureKind keypool.FailureKind
}

// Orchestrator drives the conversation state machine, gates on quota, calls
// the key pool and records outcomes. One instance serves all users.
type Orchestrator struct {
	sessions    *session.Store
	quota       QuotaGate
	pool        ImagePool
	enricher    Enricher
	generations GenerationLog
	auditor     AuditSink
	catalog     *models.Catalog
	log         *slog.Logger
}

func New(sessions *session.Store, quotaGate QuotaGate, pool ImagePool, enricher Enricher, generations GenerationLog, auditor AuditSink, catalog *models.Catalog, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sessions:    sessions,
		quota:       quotaGate,
		pool:        pool,
		enricher:    enricher,
		generations: generations,
		auditor:     auditor,
		catalog:     catalog,
		log:         log,
	}
}

// Begin starts (or restarts) a generation flow; whatever was in progress for
// the user is discarded.
func (o *Orchestrator) Begin(userID int64) session.Session {
	return o.sessions.Begin(userID)
}

// Cancel abandons the user's flow. An upstream call already in flight keeps
// running; its result is discarded by the epoch guard.
func (o *Orchestrator) Cancel(userID int64) {
	o.sessions.Reset(userID)
}

// Session exposes the user's current conversation state to the transport.
func (o *Orchestrator) Session(userID int64) session.Session {
	return o.sessions.Get(userID)
}

// SubmitPrompt handles a raw idea. Any input outside an active flow starts a
// new one. Depending on the user's clarification setting this either returns
// questions or runs the generation to completion.
func (o *Orchestrator) SubmitPrompt(ctx context.Context, user *models.User, prompt string) (Outcome, error) {
	sess := o.sessions.Get(user.ID)
	if sess.State != session.StateAwaitingPrompt {
		o.sessions.Begin(user.ID)
	}

	model := o.resolveModel(user)

	status, err := o.quota.Check(ctx, user.ID, model.ID)
	if err != nil {
		o.sessions.Reset(user.ID)
		return Outcome{}, err
	}
	if !status.Allowed {
		o.sessions.Reset(user.ID)
		return Outcome{Kind: OutcomeQuotaExceeded, Quota: status}, nil
	}

	if user.ClarificationEnabled && o.enricher != nil {
		questions, qErr := o.enricher.AskQuestions(ctx, prompt)
		if qErr == nil {
			o.sessions.AwaitClarification(user.ID, prompt, questions)
			return Outcome{Kind: OutcomeQuestions, Questions: questions}, nil
		}
		o.log.Warn("clarifying questions unavailable, generating directly", "user_id", user.ID, "err", qErr)
	}

	final := o.enhanceBestEffort(ctx, prompt)
	return o.generate(ctx, user, model, prompt, final)
}

// SubmitAnswers completes a clarification round and runs the generation.
func (o *Orchestrator) SubmitAnswers(ctx context.Context, user *models.User, answers string) (Outcome, error) {
	sess := o.sessions.Get(user.ID)
	if sess.State != session.StateAwaitingClarification {
		// No pending questions: treat the text as a fresh prompt.
		return o.SubmitPrompt(ctx, user, answers)
	}

	original := sess.OriginalPrompt
	final := original
	if o.enricher != nil {
		if enhanced, err := o.enricher.EnhanceWithAnswers(ctx, original, answers); err == nil {
			final = enhanced
		} else {
			o.log.Warn("enrichment with answers failed, using original prompt", "user_id", user.ID, "err", err)
		}
	}

	return o.generate(ctx, user, o.resolveModel(user), original, final)
}

// SkipClarification drops the pending questions and generates from the
// original prompt with single-step best-effort enrichment.
func (o *Orchestrator) SkipClarification(ctx context.Context, user *models.User) (Outcome, error) {
	sess := o.sessions.Get(user.ID)
	if sess.State != session.StateAwaitingClarification {
		return Outcome{}, fmt.Errorf("no clarification pending")
	}

	original := sess.OriginalPrompt
	final := o.enhanceBestEffort(ctx, original)
	return o.generate(ctx, user, o.resolveModel(user), original, final)
}

// SubmitPhoto handles a reference image with an optional caption. The image
// goes through enrichment once; clarification is skipped since the picture
// already carries the intent.
func (o *Orchestrator) SubmitPhoto(ctx context.Context, user *models.User, image []byte, mimeType, caption string) (Outcome, error) {
	o.sessions.Begin(user.ID)

	model := o.resolveModel(user)

	status, err := o.quota.Check(ctx, user.ID, model.ID)
	if err != nil {
		o.sessions.Reset(user.ID)
		return Outcome{}, err
	}
	if !status.Allowed {
		o.sessions.Reset(user.ID)
		return Outcome{Kind: OutcomeQuotaExceeded, Quota: status}, nil
	}

	original := caption
	if original == "" {
		original = "recreate this image"
	}
	final := original
	if o.enricher != nil {
		if enhanced, enrichErr := o.enricher.EnhanceWithImage(ctx, image, mimeType, original); enrichErr == nil {
			final = enhanced
		} else {
			o.log.Warn("image enrichment failed, using caption", "user_id", user.ID, "err", enrichErr)
		}
	}

	return o.generate(ctx, user, model, original, final)
}

// generate is the single path to the upstream backend. It re-checks quota,
// runs the key pool, and records quota, generation record and audit entry
// only after a confirmed image.
func (o *Orchestrator) generate(ctx context.Context, user *models.User, model models.ImageModel, original, final string) (Outcome, error) {
	sess := o.sessions.StartGenerating(user.ID, original)
	epoch := sess.Epoch

	status, err := o.quota.Check(ctx, user.ID, model.ID)
	if err != nil {
		o.sessions.FinishIfCurrent(user.ID, epoch)
		return Outcome{}, err
	}
	if !status.Allowed {
		o.sessions.FinishIfCurrent(user.ID, epoch)
		return Outcome{Kind: OutcomeQuotaExceeded, Quota: status}, nil
	}

	image, callErr := o.pool.AcquireAndCall(ctx, pollinations.Request{
		Prompt: final,
		Model:  model.ID,
		Width:  model.Width,
		Height: model.Height,
	})

	current := o.sessions.FinishIfCurrent(user.ID, epoch)

	if callErr != nil {
		var failure *keypool.Failure
		if errors.As(callErr, &failure) {
			o.log.Error("generation failed", "user_id", user.ID, "model", model.ID, "kind", failure.Kind.String())
			return Outcome{Kind: OutcomeFailure, FailureKind: failure.Kind}, nil
		}
		return Outcome{}, callErr
	}

	requestID := uuid.NewString()

	if err := o.quota.Record(ctx, user.ID, model.ID); err != nil {
		o.log.Error("record quota", "user_id", user.ID, "err", err)
	}
	if err := o.generations.Append(ctx, &models.Generation{
		RequestID:      requestID,
		UserID:         user.ID,
		Model:          model.ID,
		OriginalPrompt: original,
		FinalPrompt:    final,
	}); err != nil {
		o.log.Error("append generation record", "user_id", user.ID, "err", err)
	}

	if o.auditor != nil {
		o.auditor.Enqueue(audit.Entry{
			RequestID:      requestID,
			TelegramID:     user.TelegramID,
			Username:       user.Username,
			Model:          model.ID,
			OriginalPrompt: original,
			FinalPrompt:    final,
			Image:          image,
			CreatedAt:      time.Now(),
		})
	}

	if !current {
		// The user canceled or started over while this call was in flight.
		o.log.Info("discarding stale generation result", "user_id", user.ID, "request_id", requestID)
		return Outcome{Kind: OutcomeDiscarded, RequestID: requestID}, nil
	}

	return Outcome{
		Kind:        OutcomeImage,
		RequestID:   requestID,
		Image:       image,
		FinalPrompt: final,
		Quota:       status,
	}, nil
}

func (o *Orchestrator) resolveModel(user *models.User) models.ImageModel {
	if m, ok := o.catalog.Get(user.SelectedModel); ok {
		return m
	}
	return o.catalog.Default()
}

func (o *Orchestrator) enhanceBestEffort(ctx context.Context, prompt string) string {
	if o.enricher == nil {
		return prompt
	}
	enhanced, err := o.enricher.Enhance(ctx, prompt)
	if err != nil {
		o.log.Warn("prompt enrichment failed, using raw prompt", "err", err)
		return prompt
	}
	return enhanced
}
