package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

// fakeDeduper and fakeUsers implement this package's narrow Deduper /
// UserLookup interfaces without a real Redis/Postgres.
type fakeDeduper struct {
	claimed map[string]bool
	calls   []string
}

func (f *fakeDeduper) Dedup(ctx context.Context, key string) (bool, error) {
	f.calls = append(f.calls, key)
	if f.claimed[key] {
		return false, nil
	}
	if f.claimed == nil {
		f.claimed = map[string]bool{}
	}
	f.claimed[key] = true
	return true, nil
}

type fakeUsers struct {
	users map[string]*store.User
}

func (f *fakeUsers) GetByID(ctx context.Context, userID string) (*store.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func newTestStage(dedup *fakeDeduper, users *fakeUsers) *Stage {
	log := zerolog.Nop()
	return &Stage{Cache: dedup, Users: users, Logger: &log}
}

func TestDedup_FallsBackToEventIDWithoutIdempotencyKey(t *testing.T) {
	dedup := &fakeDeduper{}
	s := newTestStage(dedup, &fakeUsers{})

	evt := &pipeline.SubmittedEvent{EventID: "evt-1"}
	claimed, err := s.Dedup(context.Background(), evt)

	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, []string{"evt-1"}, dedup.calls)
}

func TestDedup_PrefersExplicitIdempotencyKey(t *testing.T) {
	dedup := &fakeDeduper{}
	s := newTestStage(dedup, &fakeUsers{})

	evt := &pipeline.SubmittedEvent{
		EventID:  "evt-1",
		Metadata: map[string]any{"idempotency_key": "custom-key"},
	}
	claimed, err := s.Dedup(context.Background(), evt)

	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, []string{"custom-key"}, dedup.calls)
}

func TestDedup_SecondClaimOfSameKeyIsRejected(t *testing.T) {
	dedup := &fakeDeduper{}
	s := newTestStage(dedup, &fakeUsers{})

	evt := &pipeline.SubmittedEvent{EventID: "evt-1"}
	first, err := s.Dedup(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, first)

	second, err := s.Dedup(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, second, "a redelivered duplicate must not be claimed twice")
}

func TestEnrich_PopulatesContactFieldsFromUser(t *testing.T) {
	phone := "+15551234567"
	users := &fakeUsers{users: map[string]*store.User{
		"u1": {ID: "u1", Email: "u1@example.com", Phone: &phone, PushTokens: []string{"tok1"}},
	}}
	s := newTestStage(&fakeDeduper{}, users)

	evt := &pipeline.SubmittedEvent{EventID: "evt-1", UserID: "u1"}
	enriched, err := s.Enrich(context.Background(), evt)

	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", enriched.UserEmail)
	assert.Equal(t, &phone, enriched.UserPhone)
	assert.Equal(t, []string{"tok1"}, enriched.UserPushTokens)
	assert.WithinDuration(t, time.Now().UTC(), enriched.EnrichedAt, time.Second)
}

func TestEnrich_MissingUserDegradesGracefully(t *testing.T) {
	s := newTestStage(&fakeDeduper{}, &fakeUsers{users: map[string]*store.User{}})

	evt := &pipeline.SubmittedEvent{EventID: "evt-1", UserID: "ghost"}
	enriched, err := s.Enrich(context.Background(), evt)

	require.NoError(t, err, "a missing user must not fail enrichment")
	assert.Empty(t, enriched.UserEmail)
	assert.Nil(t, enriched.UserPhone)
}

type brokenUsers struct{ err error }

func (b *brokenUsers) GetByID(ctx context.Context, userID string) (*store.User, error) {
	return nil, b.err
}

// A first-time event claims its dedup key and enriches with the user's
// contact fields. handle's publish-then-ack, and the downstream
// render/deliver that turns this into a "delivered" row, are exercised
// separately in internal/renderer and internal/delivery: Stage.Broker and
// msg.Retry are concrete AMQP-backed types here, so a single cross-package
// test can't assemble without a real broker/store.
func TestIngest_HappyPath_ClaimsAndEnriches(t *testing.T) {
	users := &fakeUsers{users: map[string]*store.User{
		"u1": {ID: "u1", Email: "alice@ex.com"},
	}}
	dedup := &fakeDeduper{}
	s := newTestStage(dedup, users)

	evt := &pipeline.SubmittedEvent{EventID: "e1", UserID: "u1", EventType: pipeline.EventAccount}

	claimed, err := s.Dedup(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, claimed, "e1 must claim its dedup key on first submission")

	enriched, err := s.Enrich(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, "alice@ex.com", enriched.UserEmail)
	assert.Nil(t, enriched.UserPhone)
	assert.Empty(t, enriched.UserPushTokens)
}

// Resubmitting an event within the dedup TTL must not claim a new key,
// which is what makes handle drop the duplicate before any enrich/publish
// happens (see Stage.handle's `if !claimed` branch).
func TestIngest_DuplicateSuppression_WithinTTL(t *testing.T) {
	dedup := &fakeDeduper{}
	s := newTestStage(dedup, &fakeUsers{})

	evt := &pipeline.SubmittedEvent{EventID: "e1", UserID: "u1", EventType: pipeline.EventAccount}

	first, err := s.Dedup(context.Background(), evt)
	require.NoError(t, err)
	require.True(t, first)

	resubmit, err := s.Dedup(context.Background(), evt)
	require.NoError(t, err)
	assert.False(t, resubmit, "resubmitting e1 within the TTL must not reclaim its dedup key")
	assert.Equal(t, []string{"e1", "e1"}, dedup.calls, "both submissions check the same dedup key")
}

func TestEnrich_LookupFailureIsTransient(t *testing.T) {
	s := newTestStage(&fakeDeduper{}, nil)
	s.Users = &brokenUsers{err: errors.New("connection reset")}

	_, err := s.Enrich(context.Background(), &pipeline.SubmittedEvent{EventID: "evt-1", UserID: "u1"})

	require.Error(t, err)
	var terr *pipeline.TransientError
	assert.ErrorAs(t, err, &terr, "a non-not-found lookup error must be retried, not dropped")
}
