// cmd/analytics is a read-only CLI printing the delivery analytics queries
// as JSON; this module exposes no HTTP query surface of its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/justinndidit/notifications-core/internal/analytics"
	"github.com/justinndidit/notifications-core/internal/config"
	"github.com/justinndidit/notifications-core/internal/logger"
	"github.com/justinndidit/notifications-core/internal/store"
)

func main() {
	query := flag.String("query", "analytics", "analytics|user-deliveries|failed-deliveries|by-event")
	userID := flag.String("user-id", "", "user id for -query=user-deliveries")
	eventID := flag.String("event-id", "", "event id for -query=by-event")
	limit := flag.Int("limit", 50, "row limit for list queries")
	periodHours := flag.Int("period-hours", 24, "lookback window for -query=analytics")
	flag.Parse()

	log := logger.New("analytics", "info")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := store.New(ctx, cfg.Database, &log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	reader := analytics.New(db)

	var result any
	switch *query {
	case "analytics":
		result, err = reader.GetAnalytics(ctx, *periodHours)
	case "user-deliveries":
		if *userID == "" {
			fmt.Fprintln(os.Stderr, "analytics: -user-id is required for -query=user-deliveries")
			os.Exit(1)
		}
		result, err = reader.GetUserDeliveries(ctx, *userID, *limit)
	case "failed-deliveries":
		result, err = reader.GetFailedDeliveries(ctx, *limit)
	case "by-event":
		if *eventID == "" {
			fmt.Fprintln(os.Stderr, "analytics: -event-id is required for -query=by-event")
			os.Exit(1)
		}
		result, err = reader.GetDeliveriesByEventID(ctx, *eventID)
	default:
		fmt.Fprintf(os.Stderr, "analytics: unknown -query=%s\n", *query)
		os.Exit(1)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("query failed")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatal().Err(err).Msg("failed to encode result")
	}
}
