package delivery

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/justinndidit/notifications-core/internal/pipeline"
)

// cooldowns per channel. in_app gets the same breaker as every other
// channel, but its adapter never reports a failure, so its breaker never
// trips and this cooldown is never exercised.
var cooldowns = map[pipeline.Channel]time.Duration{
	pipeline.ChannelEmail: 10 * time.Second,
	pipeline.ChannelPush:  10 * time.Second,
	pipeline.ChannelSMS:   15 * time.Second,
	pipeline.ChannelInApp: 15 * time.Second,
}

// NewBreaker opens after 5 consecutive failures and probes with a single
// request after its channel's cooldown; one success on that probe closes
// it and resets the counter.
func NewBreaker(channel pipeline.Channel) *gobreaker.CircuitBreaker {
	cooldown, ok := cooldowns[channel]
	if !ok {
		cooldown = 10 * time.Second
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(channel) + "-delivery",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}
