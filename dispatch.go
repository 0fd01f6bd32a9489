package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrSubscriptionNotFound is returned for unknown subscription IDs.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrSubscriptionGone means the subscription can never be delivered to
	// again and has been deleted.
	ErrSubscriptionGone = errors.New("subscription gone")
)

// PushServiceError is a non-2xx answer from a push service.
type PushServiceError struct {
	StatusCode int
	Body       string
}

func (e *PushServiceError) Error() string {
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

// SubscriptionStore gives read and delete access to stored subscriptions.
type SubscriptionStore interface {
	Subscription(ctx context.Context, id uuid.UUID) (*StoredSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// MemoryStore is a SubscriptionStore kept in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*StoredSubscription
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*StoredSubscription)}
}

// Put stores sub, assigning an ID if it has none, and returns the ID.
func (s *MemoryStore) Put(sub *StoredSubscription) uuid.UUID {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	s.mu.Lock()
	s.subs[sub.ID] = sub
	s.mu.Unlock()
	return sub.ID
}

func (s *MemoryStore) Subscription(_ context.Context, id uuid.UUID) (*StoredSubscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored subscriptions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Dispatcher delivers messages to stored subscriptions and retires the
// ones that can no longer be delivered to.
type Dispatcher struct {
	builder *Builder
	store   SubscriptionStore
	client  HTTPClient
	logger  zerolog.Logger
}

// NewDispatcher returns a Dispatcher. A nil client uses http.Client.
func NewDispatcher(builder *Builder, store SubscriptionStore, client HTTPClient, logger zerolog.Logger) *Dispatcher {
	if client == nil {
		client = defaultHTTPClient
	}
	return &Dispatcher{builder: builder, store: store, client: client, logger: logger}
}

// Notify sends message to subscription id.
func (d *Dispatcher) Notify(ctx context.Context, id uuid.UUID, message []byte, options *Options) error {
	logger := d.logger.With().Str("subscription", id.String()).Logger()

	sub, err := d.store.Subscription(ctx, id)
	if err != nil {
		return err
	}

	pr, err := d.builder.Build(sub, message, options)
	if err != nil {
		switch KindOf(err) {
		case ErrorInvalidKey, ErrorInvalidEndpoint:
			logger.Warn().Err(err).Msg("dropping invalid subscription")
			if derr := d.store.Delete(ctx, id); derr != nil {
				return derr
			}
			return fmt.Errorf("%w: %w", ErrSubscriptionGone, err)
		case ErrorSigning:
			logger.Error().Err(err).Msg("VAPID key is misconfigured")
		default:
			logger.Warn().Err(err).Msg("building push request")
		}
		return err
	}

	resp, err := send(ctx, pr, d.client)
	if err != nil {
		logger.Warn().Err(err).Msg("sending push request")
		return err
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Debug().Int("status", resp.StatusCode).Int("bytes", len(pr.Body)).Msg("push delivered")
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		logger.Info().Int("status", resp.StatusCode).Msg("push service dropped subscription")
		if err := d.store.Delete(ctx, id); err != nil {
			return err
		}
		return ErrSubscriptionGone
	default:
		var body []byte
		if resp.Body != nil {
			body, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		}
		logger.Warn().Int("status", resp.StatusCode).Msg("push rejected")
		return &PushServiceError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
