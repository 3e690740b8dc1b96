package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinndidit/notifications-core/internal/broker"
	"github.com/justinndidit/notifications-core/internal/pipeline"
	"github.com/justinndidit/notifications-core/internal/store"
)

func tod(hour, minute int) time.Time {
	return time.Date(2020, 1, 1, hour, minute, 0, 0, time.UTC)
}

func TestInQuietHours_NonWrapping(t *testing.T) {
	start, end := tod(9, 0), tod(17, 0)

	assert.True(t, inQuietHours(tod(12, 0), start, end))
	assert.False(t, inQuietHours(tod(8, 59), start, end))
	assert.False(t, inQuietHours(tod(17, 0), start, end), "end is exclusive")
}

func TestInQuietHours_WrapsMidnight(t *testing.T) {
	start, end := tod(22, 0), tod(6, 0)

	assert.True(t, inQuietHours(tod(23, 0), start, end))
	assert.True(t, inQuietHours(tod(2, 0), start, end))
	assert.False(t, inQuietHours(tod(12, 0), start, end))
}

// fakePreferences and fakeRateLimiter implement this package's narrow
// PreferenceLookup / RateLimiter interfaces without a real Postgres/Redis.
type fakePreferences struct {
	prefs map[string]*store.Preference
	errs  map[string]error
}

func (f *fakePreferences) Get(ctx context.Context, userID, channel, eventType string) (*store.Preference, error) {
	key := userID + ":" + channel + ":" + eventType
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	p, ok := f.prefs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return p, nil
}

// fakeBroker implements BrokerClient so handle's publish and requeue paths
// can be exercised without a live RabbitMQ connection.
type fakeBroker struct {
	published     []string
	publishedVals []any
	failKeys      map[string]error
}

func (f *fakeBroker) Fetch(ctx context.Context, queue string, batchSize int, wait time.Duration) ([]*broker.Message, error) {
	return nil, nil
}

func (f *fakeBroker) Publish(ctx context.Context, routingKey string, v any) error {
	if err := f.failKeys[routingKey]; err != nil {
		return err
	}
	f.published = append(f.published, routingKey)
	f.publishedVals = append(f.publishedVals, v)
	return nil
}

type fakeAudit struct {
	stages []string
}

func (f *fakeAudit) Record(ctx context.Context, eventID, channel, stage string, detail map[string]any) {
	f.stages = append(f.stages, channel+":"+stage)
}

type fakeRateLimiter struct {
	counts map[string]int64
	ttl    map[string]time.Duration
	calls  int
}

// IncrRateLimit mirrors internal/cache.Cache.IncrRateLimit's contract: the
// counter's TTL is set only on the increment that takes it to 1, exactly
// like the real Redis INCR+EXPIRE pair.
func (f *fakeRateLimiter) IncrRateLimit(ctx context.Context, userID, channel, eventType string) (int64, error) {
	f.calls++
	key := userID + ":" + channel + ":" + eventType
	f.counts[key]++
	if f.counts[key] == 1 {
		if f.ttl == nil {
			f.ttl = map[string]time.Duration{}
		}
		f.ttl[key] = time.Hour
	}
	return f.counts[key], nil
}

func newTestStage(prefs *fakePreferences, rl *fakeRateLimiter) *Stage {
	log := zerolog.Nop()
	return &Stage{Preferences: prefs, Cache: rl, Logger: &log}
}

func TestEvaluate_Rule1_MarketingDefaultDeny(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u1", EventType: pipeline.EventMarketing,
	}}

	allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, rl.calls, "rule 1 denial must never increment the rate limit counter")
}

func TestEvaluate_Rule1_NonMarketingDefaultAllow(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u1", EventType: pipeline.EventSecurity,
	}}

	allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, rl.calls, "missing row falls through to rule 4 for non-marketing events")
}

func TestEvaluate_Rule2_ExplicitDisable(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{
		"u1:email:security": {Enabled: false},
	}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u1", EventType: pipeline.EventSecurity,
	}}

	allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, rl.calls, "rule 2 denial must never increment the rate limit counter")
}

func TestEvaluate_Rule3_QuietHours(t *testing.T) {
	now := time.Now().UTC()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)

	prefs := &fakePreferences{prefs: map[string]*store.Preference{
		"u1:email:security": {Enabled: true, QuietHoursStart: &start, QuietHoursEnd: &end},
	}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u1", EventType: pipeline.EventSecurity,
	}}

	allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, rl.calls, "rule 3 denial must never increment the rate limit counter")
}

func TestEvaluate_Rule4_RateLimitIncrementsEvenOnDenial(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{
		"u1:email:security": {Enabled: true},
	}}
	rl := &fakeRateLimiter{counts: map[string]int64{"u1:email:security": defaultRateLimit}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u1", EventType: pipeline.EventSecurity,
	}}

	allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, allowed, "count exceeds the limit after this increment")
	assert.Equal(t, 1, rl.calls, "rule 4 always increments, even when it denies")
}

func enrichedBody(t *testing.T, evt pipeline.EnrichedEvent) []byte {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return body
}

// A transient store error on one channel must not requeue the whole event:
// channels that already routed stay routed, and only the failed channel
// comes back around, so an already-granted channel is never re-published
// and never burns a second rate-limit increment.
func TestHandle_FailedChannelRequeuedWithoutRerunningRoutedOnes(t *testing.T) {
	prefs := &fakePreferences{
		prefs: map[string]*store.Preference{},
		errs:  map[string]error{"u1:sms:security": errors.New("connection reset")},
	}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	brk := &fakeBroker{}
	audit := &fakeAudit{}
	log := zerolog.Nop()
	s := &Stage{Broker: brk, Cache: rl, Preferences: prefs, Events: audit, Logger: &log}

	evt := pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		EventID: "evt-1", UserID: "u1", EventType: pipeline.EventSecurity,
		Channels: []pipeline.Channel{pipeline.ChannelEmail, pipeline.ChannelSMS, pipeline.ChannelPush},
	}}

	s.handle(context.Background(), broker.NewTestMessage(nil, enrichedBody(t, evt), 0))

	require.Equal(t, []string{
		"notification.routed.email",
		"notification.routed.push",
		RoutingKeyIn,
	}, brk.published, "healthy channels route, then the failed channel requeues")

	requeued, ok := brk.publishedVals[2].(pipeline.EnrichedEvent)
	require.True(t, ok)
	assert.Equal(t, []pipeline.Channel{pipeline.ChannelSMS}, requeued.Channels,
		"the requeued copy must carry only the failed channel")

	assert.Equal(t, 2, rl.calls, "already-routed channels must not burn extra rate-limit increments")
	assert.Equal(t, []string{"email:routed", "push:routed"}, audit.stages)
}

// A routed-publish failure takes the same narrowed-requeue path as an
// evaluation failure.
func TestHandle_PublishFailureRequeuesOnlyThatChannel(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	brk := &fakeBroker{failKeys: map[string]error{
		"notification.routed.email": errors.New("channel closed"),
	}}
	audit := &fakeAudit{}
	log := zerolog.Nop()
	s := &Stage{Broker: brk, Cache: rl, Preferences: prefs, Events: audit, Logger: &log}

	evt := pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		EventID: "evt-2", UserID: "u1", EventType: pipeline.EventSecurity,
		Channels: []pipeline.Channel{pipeline.ChannelEmail, pipeline.ChannelInApp},
	}}

	s.handle(context.Background(), broker.NewTestMessage(nil, enrichedBody(t, evt), 0))

	require.Equal(t, []string{"notification.routed.in_app", RoutingKeyIn}, brk.published)
	requeued, ok := brk.publishedVals[1].(pipeline.EnrichedEvent)
	require.True(t, ok)
	assert.Equal(t, []pipeline.Channel{pipeline.ChannelEmail}, requeued.Channels)
	assert.Equal(t, []string{"in_app:routed"}, audit.stages)
}

// The first 10 identical-shape events in an hour are allowed, the 11th is
// denied, and the counter lands at 11 with a TTL set.
func TestEvaluate_RateLimit_ElevenEventsInOneHour(t *testing.T) {
	prefs := &fakePreferences{prefs: map[string]*store.Preference{}}
	rl := &fakeRateLimiter{counts: map[string]int64{}}
	s := newTestStage(prefs, rl)

	evt := &pipeline.EnrichedEvent{SubmittedEvent: pipeline.SubmittedEvent{
		UserID: "u3", EventType: pipeline.EventSecurity,
	}}

	var results []bool
	for i := 0; i < 11; i++ {
		allowed, err := s.Evaluate(context.Background(), evt, pipeline.ChannelEmail)
		require.NoError(t, err)
		results = append(results, allowed)
	}

	for i := 0; i < 10; i++ {
		assert.True(t, results[i], "event %d of the first 10 must be allowed", i+1)
	}
	assert.False(t, results[10], "the 11th event in the window must be denied")

	key := "u3:email:security"
	assert.Equal(t, int64(11), rl.counts[key], "counter must land at 11 after the 11th evaluation")
	assert.Greater(t, rl.ttl[key], time.Duration(0), "ttl must be set on the counter")
}
