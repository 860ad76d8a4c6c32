package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []tgbotapi.Chattable
	err  error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.sent = append(s.sent, c)
	return tgbotapi.Message{}, s.err
}

type fakeArchiver struct {
	uploads [][]byte
	err     error
}

func (a *fakeArchiver) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	a.uploads = append(a.uploads, data)
	if a.err != nil {
		return "", a.err
	}
	return "https://cdn.example.com/generations/abc.png", nil
}

type fakeUsage struct {
	pct   float64
	err   error
	calls int
}

func (u *fakeUsage) AverageUsagePercent(ctx context.Context) (float64, error) {
	u.calls++
	return u.pct, u.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleEntry() Entry {
	return Entry{
		RequestID:      "req-1",
		TelegramID:     100500,
		Username:       "fox_fan",
		OriginalPrompt: "a red fox",
		FinalPrompt:    "a red fox, watercolor",
		Image:          []byte("png-bytes"),
		CreatedAt:      time.Now(),
	}
}

func TestProcessArchivesAndPostsPhoto(t *testing.T) {
	sender := &fakeSender{}
	archiver := &fakeArchiver{}
	w := NewWorker(sender, archiver, nil, -100123, 0, testLogger())

	w.process(context.Background(), sampleEntry())

	require.Len(t, archiver.uploads, 1)
	assert.Equal(t, []byte("png-bytes"), archiver.uploads[0])

	require.Len(t, sender.sent, 1)
	photo, ok := sender.sent[0].(tgbotapi.PhotoConfig)
	require.True(t, ok, "image entries go out as photos")
	assert.Equal(t, int64(-100123), photo.ChatID)
	assert.Contains(t, photo.Caption, "fox_fan")
	assert.Contains(t, photo.Caption, "a red fox")
	assert.Contains(t, photo.Caption, "a red fox, watercolor")
}

func TestProcessWithoutImageSendsText(t *testing.T) {
	sender := &fakeSender{}
	w := NewWorker(sender, nil, nil, -100123, 0, testLogger())

	e := sampleEntry()
	e.Image = nil
	w.process(context.Background(), e)

	require.Len(t, sender.sent, 1)
	msg, ok := sender.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Contains(t, msg.Text, "fox_fan")
}

func TestProcessOmitsFinalPromptWhenUnchanged(t *testing.T) {
	sender := &fakeSender{}
	w := NewWorker(sender, nil, nil, -100123, 0, testLogger())

	e := sampleEntry()
	e.FinalPrompt = e.OriginalPrompt
	w.process(context.Background(), e)

	require.Len(t, sender.sent, 1)
	photo := sender.sent[0].(tgbotapi.PhotoConfig)
	assert.Equal(t, 1, strings.Count(photo.Caption, "a red fox"))
}

func TestArchiverFailureDoesNotBlockLogMessage(t *testing.T) {
	sender := &fakeSender{}
	archiver := &fakeArchiver{err: errors.New("s3 unreachable")}
	w := NewWorker(sender, archiver, nil, -100123, 0, testLogger())

	w.process(context.Background(), sampleEntry())

	assert.Len(t, sender.sent, 1)
}

func TestSenderFailureContained(t *testing.T) {
	sender := &fakeSender{err: errors.New("telegram down")}
	w := NewWorker(sender, nil, nil, -100123, 0, testLogger())

	assert.NotPanics(t, func() {
		w.process(context.Background(), sampleEntry())
	})
}

func TestUsageAlertAboveThreshold(t *testing.T) {
	sender := &fakeSender{}
	usage := &fakeUsage{pct: 92}
	w := NewWorker(sender, nil, usage, 0, 42, testLogger())

	e := sampleEntry()
	e.Image = nil
	w.process(context.Background(), e)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0].(tgbotapi.MessageConfig)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Contains(t, msg.Text, "92")

	// A second entry within the hour must not alert again.
	w.process(context.Background(), e)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 1, usage.calls)
}

func TestNoUsageAlertBelowThreshold(t *testing.T) {
	sender := &fakeSender{}
	usage := &fakeUsage{pct: 40}
	w := NewWorker(sender, nil, usage, 0, 42, testLogger())

	e := sampleEntry()
	e.Image = nil
	w.process(context.Background(), e)

	assert.Empty(t, sender.sent)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	w := NewWorker(nil, nil, nil, 0, 0, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			w.Enqueue(sampleEntry())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w := NewWorker(&fakeSender{}, nil, nil, 0, 0, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancel")
	}
}

func TestClip(t *testing.T) {
	assert.Equal(t, "abc", clip("abc", 10))
	assert.Equal(t, "аб", clip("абвг", 2), "clip counts runes, not bytes")
}
