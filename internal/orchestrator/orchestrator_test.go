package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paintwave/imagenbot/internal/audit"
	"github.com/paintwave/imagenbot/internal/keypool"
	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/pollinations"
	"github.com/paintwave/imagenbot/internal/quota"
	"github.com/paintwave/imagenbot/internal/session"
)

type fakeQuota struct {
	mu       sync.Mutex
	limit    int
	used     int
	checkErr error
	recorded int
}

func (q *fakeQuota) Check(ctx context.Context, userID int64, model models.ModelID) (quota.Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.checkErr != nil {
		return quota.Status{}, q.checkErr
	}
	if q.limit <= 0 {
		return quota.Status{Allowed: true}, nil
	}
	return quota.Status{Allowed: q.used < q.limit, Used: q.used, Limit: q.limit}, nil
}

func (q *fakeQuota) Record(ctx context.Context, userID int64, model models.ModelID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.used++
	q.recorded++
	return nil
}

func (q *fakeQuota) recordedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recorded
}

type fakePool struct {
	mu      sync.Mutex
	calls   []pollinations.Request
	image   []byte
	err     error
	started chan struct{} // when set, closed once the first call arrives
	barrier chan struct{} // when set, the call blocks until the channel closes
	once    sync.Once
}

func (p *fakePool) AcquireAndCall(ctx context.Context, req pollinations.Request) ([]byte, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	started, barrier := p.started, p.barrier
	p.mu.Unlock()
	if started != nil {
		p.once.Do(func() { close(started) })
	}
	if barrier != nil {
		<-barrier
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.image, nil
}

func (p *fakePool) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePool) lastCall(t *testing.T) pollinations.Request {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		t.Fatal("pool was never called")
	}
	return p.calls[len(p.calls)-1]
}

type fakeEnricher struct {
	questionsErr error
	enhanceErr   error
	answersErr   error
	imageErr     error
}

func (e *fakeEnricher) AskQuestions(ctx context.Context, prompt string) (string, error) {
	if e.questionsErr != nil {
		return "", e.questionsErr
	}
	return "1. What style?\n2. What mood?", nil
}

func (e *fakeEnricher) Enhance(ctx context.Context, prompt string) (string, error) {
	if e.enhanceErr != nil {
		return "", e.enhanceErr
	}
	return "enhanced: " + prompt, nil
}

func (e *fakeEnricher) EnhanceWithAnswers(ctx context.Context, prompt, answers string) (string, error) {
	if e.answersErr != nil {
		return "", e.answersErr
	}
	return "refined: " + prompt + " / " + answers, nil
}

func (e *fakeEnricher) EnhanceWithImage(ctx context.Context, image []byte, mimeType, prompt string) (string, error) {
	if e.imageErr != nil {
		return "", e.imageErr
	}
	return "from image: " + prompt, nil
}

type fakeGenLog struct {
	mu      sync.Mutex
	entries []*models.Generation
}

func (l *fakeGenLog) Append(ctx context.Context, gen *models.Generation) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, gen)
	return nil
}

func (l *fakeGenLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *fakeAudit) Enqueue(e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Store
	quota    *fakeQuota
	pool     *fakePool
	enricher *fakeEnricher
	genLog   *fakeGenLog
	auditor  *fakeAudit
}

func newFixture() *fixture {
	sessions := session.NewStore()
	q := &fakeQuota{}
	pool := &fakePool{image: []byte("img")}
	enricher := &fakeEnricher{}
	genLog := &fakeGenLog{}
	auditor := &fakeAudit{}
	catalog := models.NewCatalog(
		models.ImageModel{ID: models.ModelFlux, Name: "Flux", Width: 1024, Height: 1024},
		models.ImageModel{ID: models.ModelTurbo, Name: "Turbo", DailyLimit: 3, Width: 768, Height: 768},
	)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		orch:     New(sessions, q, pool, enricher, genLog, auditor, catalog, log),
		sessions: sessions,
		quota:    q,
		pool:     pool,
		enricher: enricher,
		genLog:   genLog,
		auditor:  auditor,
	}
}

func testUser(clarification bool) *models.User {
	return &models.User{
		ID:                   1,
		TelegramID:           100500,
		Username:             "fox_fan",
		ClarificationEnabled: clarification,
		SelectedModel:        models.ModelFlux,
	}
}

func TestPromptWithoutClarificationDeliversImage(t *testing.T) {
	f := newFixture()
	user := testUser(false)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, []byte("img"), out.Image)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, "enhanced: a red fox", out.FinalPrompt)

	req := f.pool.lastCall(t)
	assert.Equal(t, models.ModelFlux, req.Model)
	assert.Equal(t, "enhanced: a red fox", req.Prompt)

	assert.Equal(t, 1, f.quota.recordedCount())
	assert.Equal(t, 1, f.genLog.count())
	assert.Equal(t, 1, f.auditor.count())
	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State)
}

func TestPromptWithClarificationReturnsQuestions(t *testing.T) {
	f := newFixture()
	user := testUser(true)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeQuestions, out.Kind)
	assert.Contains(t, out.Questions, "What style?")
	assert.Zero(t, f.pool.callCount(), "no upstream call before answers arrive")

	sess := f.sessions.Get(user.ID)
	assert.Equal(t, session.StateAwaitingClarification, sess.State)
	assert.Equal(t, "a red fox", sess.OriginalPrompt)
}

func TestAnswersCompleteTheFlow(t *testing.T) {
	f := newFixture()
	user := testUser(true)

	_, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	out, err := f.orch.SubmitAnswers(context.Background(), user, "watercolor, calm")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "refined: a red fox / watercolor, calm", out.FinalPrompt)
	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State)
	assert.Equal(t, 1, f.quota.recordedCount())
}

func TestAnswersWithoutPendingQuestionsStartFreshFlow(t *testing.T) {
	f := newFixture()
	user := testUser(false)

	out, err := f.orch.SubmitAnswers(context.Background(), user, "a snow owl")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "enhanced: a snow owl", out.FinalPrompt)
}

func TestQuestionsFailureFallsThroughToGeneration(t *testing.T) {
	f := newFixture()
	f.enricher.questionsErr = errors.New("enricher down")
	user := testUser(true)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "enhanced: a red fox", out.FinalPrompt)
}

func TestEnhanceFailureUsesRawPrompt(t *testing.T) {
	f := newFixture()
	f.enricher.enhanceErr = errors.New("enricher down")
	user := testUser(false)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "a red fox", out.FinalPrompt, "raw prompt must survive enrichment failure")
}

func TestAnswersEnrichmentFailureUsesOriginalPrompt(t *testing.T) {
	f := newFixture()
	f.enricher.answersErr = errors.New("enricher down")
	user := testUser(true)

	_, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	out, err := f.orch.SubmitAnswers(context.Background(), user, "watercolor")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "a red fox", out.FinalPrompt)
}

func TestNilEnricherGeneratesFromRawPrompt(t *testing.T) {
	f := newFixture()
	f.orch.enricher = nil
	user := testUser(true)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "a red fox", out.FinalPrompt)
}

func TestQuotaExceededBlocksBeforeUpstream(t *testing.T) {
	f := newFixture()
	f.quota.limit = 3
	f.quota.used = 3
	user := testUser(false)
	user.SelectedModel = models.ModelTurbo

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeQuotaExceeded, out.Kind)
	assert.Equal(t, 3, out.Quota.Used)
	assert.Equal(t, 3, out.Quota.Limit)
	assert.Zero(t, f.pool.callCount())
	assert.Zero(t, f.quota.recordedCount())
	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State)
}

func TestQuotaNotConsumedOnFailure(t *testing.T) {
	f := newFixture()
	f.pool.err = &keypool.Failure{Kind: keypool.FailureTransient, Err: errors.New("upstream down")}
	user := testUser(false)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailure, out.Kind)
	assert.Equal(t, keypool.FailureTransient, out.FailureKind)
	assert.Zero(t, f.quota.recordedCount())
	assert.Zero(t, f.genLog.count())
	assert.Zero(t, f.auditor.count())
	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State)
}

func TestFailureKindsPropagated(t *testing.T) {
	kinds := []keypool.FailureKind{
		keypool.FailureResourceExhausted,
		keypool.FailureUpstreamProtocol,
		keypool.FailureBadRequest,
		keypool.FailureTimeout,
	}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			f := newFixture()
			f.pool.err = &keypool.Failure{Kind: kind}

			out, err := f.orch.SubmitPrompt(context.Background(), testUser(false), "a red fox")
			require.NoError(t, err)
			assert.Equal(t, OutcomeFailure, out.Kind)
			assert.Equal(t, kind, out.FailureKind)
		})
	}
}

func TestSkipClarification(t *testing.T) {
	f := newFixture()
	user := testUser(true)

	_, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	out, err := f.orch.SkipClarification(context.Background(), user)
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "enhanced: a red fox", out.FinalPrompt)
}

func TestSkipClarificationWithoutPendingQuestions(t *testing.T) {
	f := newFixture()

	_, err := f.orch.SkipClarification(context.Background(), testUser(true))
	assert.Error(t, err)
}

func TestCancelDuringClarificationRecordsNothing(t *testing.T) {
	f := newFixture()
	user := testUser(true)

	_, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	f.orch.Cancel(user.ID)

	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State)
	assert.Zero(t, f.pool.callCount())
	assert.Zero(t, f.quota.recordedCount())
	assert.Zero(t, f.genLog.count())

	_, err = f.orch.SkipClarification(context.Background(), user)
	assert.Error(t, err, "canceled flow leaves no questions behind")
}

func TestCancelDuringGenerationDiscardsResult(t *testing.T) {
	f := newFixture()
	f.pool.started = make(chan struct{})
	f.pool.barrier = make(chan struct{})
	user := testUser(false)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
		done <- result{out, err}
	}()

	// Wait for the upstream call to be in flight, then cancel.
	<-f.pool.started
	f.orch.Cancel(user.ID)
	fresh := f.orch.Begin(user.ID)
	close(f.pool.barrier)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, OutcomeDiscarded, res.out.Kind)

	sess := f.sessions.Get(user.ID)
	assert.Equal(t, session.StateAwaitingPrompt, sess.State, "new flow survives the stale completion")
	assert.Equal(t, fresh.Epoch, sess.Epoch)

	// The work was done, so the ledger still records it.
	assert.Equal(t, 1, f.quota.recordedCount())
	assert.Equal(t, 1, f.genLog.count())
}

func TestSubmitPhoto(t *testing.T) {
	f := newFixture()
	user := testUser(true)

	out, err := f.orch.SubmitPhoto(context.Background(), user, []byte("jpeg"), "image/jpeg", "make it anime")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "from image: make it anime", out.FinalPrompt)
	assert.Equal(t, session.StateIdle, f.sessions.Get(user.ID).State, "photos skip the clarification round")
}

func TestSubmitPhotoWithoutCaption(t *testing.T) {
	f := newFixture()
	user := testUser(false)

	out, err := f.orch.SubmitPhoto(context.Background(), user, []byte("jpeg"), "image/jpeg", "")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, "from image: recreate this image", out.FinalPrompt)
}

func TestUnknownSelectedModelFallsBackToDefault(t *testing.T) {
	f := newFixture()
	user := testUser(false)
	user.SelectedModel = models.ModelID("retired-model")

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	assert.Equal(t, OutcomeImage, out.Kind)
	assert.Equal(t, models.ModelFlux, f.pool.lastCall(t).Model)
}

func TestAuditEntryCarriesGenerationDetails(t *testing.T) {
	f := newFixture()
	user := testUser(false)

	out, err := f.orch.SubmitPrompt(context.Background(), user, "a red fox")
	require.NoError(t, err)

	require.Equal(t, 1, f.auditor.count())
	entry := f.auditor.entries[0]
	assert.Equal(t, out.RequestID, entry.RequestID)
	assert.Equal(t, user.TelegramID, entry.TelegramID)
	assert.Equal(t, "a red fox", entry.OriginalPrompt)
	assert.Equal(t, "enhanced: a red fox", entry.FinalPrompt)
	assert.Equal(t, []byte("img"), entry.Image)
}
