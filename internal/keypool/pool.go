package keypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paintwave/imagenbot/internal/models"
	"github.com/paintwave/imagenbot/internal/pollinations"
)

// FailureKind classifies why an upstream call could not produce an image.
type FailureKind int

const (
	// FailureResourceExhausted means no usable credential remains.
	FailureResourceExhausted FailureKind = iota + 1
	// FailureUpstreamProtocol means the upstream replied success without an image.
	FailureUpstreamProtocol
	// FailureBadRequest means the request content was rejected; terminal.
	FailureBadRequest
	// FailureTimeout means every attempt ran out of time.
	FailureTimeout
	// FailureTransient means the upstream kept failing but may recover.
	FailureTransient
)

func (k FailureKind) String() string {
	switch k {
	case FailureResourceExhausted:
		return "resource_exhausted"
	case FailureUpstreamProtocol:
		return "upstream_protocol"
	case FailureBadRequest:
		return "bad_request"
	case FailureTimeout:
		return "timeout"
	case FailureTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Failure is the tagged error returned by AcquireAndCall. Callers switch on
// Kind; every kind maps to a distinct user-facing outcome.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Backend issues one upstream image call with one credential.
type Backend interface {
	Generate(ctx context.Context, secret string, req pollinations.Request) ([]byte, error)
}

// KeyStore persists credential mutations. The pool owns the working set in
// memory; the store is the durable copy.
type KeyStore interface {
	List(ctx context.Context) ([]models.APIKey, error)
	Add(ctx context.Context, secret string, usageLimit int) error
	IncrementUsage(ctx context.Context, keyID int64) error
	Deactivate(ctx context.Context, keyID int64) error
}

type Options struct {
	// MaxRotations bounds how many distinct credentials one request may try.
	MaxRotations int
	// MaxAttempts bounds same-credential attempts for transient failures.
	MaxAttempts int
	// RetryDelay is the fixed pause between same-credential attempts.
	RetryDelay time.Duration
	// CallTimeout is the deadline applied to each upstream attempt.
	CallTimeout time.Duration
	// DefaultUsageLimit is the ceiling for keys added through AddKey.
	DefaultUsageLimit int
}

func (o *Options) normalize() {
	if o.MaxRotations <= 0 {
		o.MaxRotations = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 2 * time.Minute
	}
	if o.DefaultUsageLimit <= 0 {
		o.DefaultUsageLimit = 1000
	}
}

// Pool selects, rotates and retires upstream credentials. All credential
// state transitions happen under one mutex; the upstream call itself does not.
type Pool struct {
	mu      sync.Mutex
	keys    []models.APIKey
	store   KeyStore
	backend Backend
	opts    Options
	log     *slog.Logger
}

func New(store KeyStore, backend Backend, opts Options, log *slog.Logger) *Pool {
	opts.normalize()
	return &Pool{
		store:   store,
		backend: backend,
		opts:    opts,
		log:     log,
	}
}

// Load replaces the working set from the store. Call at startup and after
// out-of-band credential changes.
func (p *Pool) Load(ctx context.Context) error {
	keys, err := p.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()

	p.log.Info("key pool loaded", "keys", len(keys))
	return nil
}

// AddKey persists a new credential and refreshes the working set.
func (p *Pool) AddKey(ctx context.Context, secret string) error {
	if err := p.store.Add(ctx, secret, p.opts.DefaultUsageLimit); err != nil {
		return err
	}
	return p.Load(ctx)
}

// Keys returns a copy of the working set in creation order.
func (p *Pool) Keys() []models.APIKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.APIKey, len(p.keys))
	copy(out, p.keys)
	return out
}

// AcquireAndCall selects the least-used active credential, issues the
// upstream call, and rotates to the next credential when the selected one
// turns out to be exhausted. On success the credential's usage counter is
// incremented by exactly one. Every failure is a *Failure.
func (p *Pool) AcquireAndCall(ctx context.Context, req pollinations.Request) ([]byte, error) {
	tried := make(map[int64]bool)

	for rotation := 0; rotation < p.opts.MaxRotations; rotation++ {
		key, ok := p.selectKey(tried)
		if !ok {
			return nil, &Failure{Kind: FailureResourceExhausted, Err: errors.New("no usable credentials")}
		}
		tried[key.ID] = true

		data, err := p.callWithRetries(ctx, key, req)
		if err == nil {
			p.recordSuccess(ctx, key.ID)
			return data, nil
		}

		if errors.Is(err, pollinations.ErrKeyExhausted) {
			p.retire(ctx, key.ID)
			p.log.Warn("credential exhausted, rotating", "key_id", key.ID, "rotation", rotation+1)
			continue
		}

		var failure *Failure
		if errors.As(err, &failure) {
			return nil, failure
		}
		return nil, &Failure{Kind: FailureTransient, Err: err}
	}

	return nil, &Failure{Kind: FailureResourceExhausted, Err: errors.New("rotation budget spent")}
}

// selectKey picks the usable credential with the lowest usage counter; ties
// go to the lowest ID so selection is reproducible.
func (p *Pool) selectKey(tried map[int64]bool) (models.APIKey, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := -1
	for i, k := range p.keys {
		if tried[k.ID] || !k.Usable() {
			continue
		}
		if best == -1 || k.UsageCount < p.keys[best].UsageCount {
			best = i
		}
	}
	if best == -1 {
		return models.APIKey{}, false
	}
	return p.keys[best], true
}

func (p *Pool) callWithRetries(ctx context.Context, key models.APIKey, req pollinations.Request) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		data, err := p.backend.Generate(callCtx, key.Secret, req)
		cancel()

		if err == nil {
			return data, nil
		}

		switch {
		case errors.Is(err, pollinations.ErrKeyExhausted):
			return nil, err
		case errors.Is(err, pollinations.ErrContentRejected):
			return nil, &Failure{Kind: FailureBadRequest, Err: err}
		case errors.Is(err, pollinations.ErrNonImageResponse):
			return nil, &Failure{Kind: FailureUpstreamProtocol, Err: err}
		}

		// Transient server error or timeout: retry on the same credential.
		lastErr = err
		p.log.Warn("upstream attempt failed", "key_id", key.ID, "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			break
		}
		if attempt < p.opts.MaxAttempts && p.opts.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, &Failure{Kind: FailureTimeout, Err: ctx.Err()}
			case <-time.After(p.opts.RetryDelay):
			}
		}
	}

	if pollinations.IsTimeout(lastErr) || ctx.Err() != nil {
		return nil, &Failure{Kind: FailureTimeout, Err: lastErr}
	}
	return nil, &Failure{Kind: FailureTransient, Err: lastErr}
}

// recordSuccess bumps the in-memory counter and persists the increment.
// A persistence error is logged but does not fail the delivered image.
func (p *Pool) recordSuccess(ctx context.Context, keyID int64) {
	p.mu.Lock()
	for i := range p.keys {
		if p.keys[i].ID == keyID {
			p.keys[i].UsageCount++
			break
		}
	}
	p.mu.Unlock()

	if err := p.store.IncrementUsage(ctx, keyID); err != nil {
		p.log.Error("persist key usage", "key_id", keyID, "err", err)
	}
}

// retire deactivates a credential permanently, in memory and in the store.
func (p *Pool) retire(ctx context.Context, keyID int64) {
	p.mu.Lock()
	for i := range p.keys {
		if p.keys[i].ID == keyID {
			p.keys[i].IsActive = false
			break
		}
	}
	p.mu.Unlock()

	if err := p.store.Deactivate(ctx, keyID); err != nil {
		p.log.Error("persist key deactivation", "key_id", keyID, "err", err)
	}
}
