package server

import (
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/rs/zerolog"
)

// Router pushes events to the registered connections of a set of users.
// Offline users are skipped; nothing is queued or retried.
type Router struct {
	registry *Registry
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewRouter creates a router over registry
func NewRouter(registry *Registry, metrics *Metrics, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		metrics:  metrics,
		logger:   logger.With().Str("com", "broadcast").Logger(),
	}
}

// Deliver sends rec to every online target and returns how many writes
// succeeded. The record is encoded once. A target whose write fails is
// closed; its own dispatcher then cleans it up.
func (r *Router) Deliver(targets []string, rec protocol.Record) int {
	if len(targets) == 0 {
		return 0
	}

	line, err := protocol.EncodeRecord(rec)
	if err != nil {
		r.logger.Error().Err(err).Str("record", rec.Verb).Msg("failed to encode broadcast")
		return 0
	}

	seen := make(map[string]struct{}, len(targets))
	delivered, skipped, failed := 0, 0, 0
	for _, userID := range targets {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		conn, ok := r.registry.Lookup(userID)
		if !ok {
			skipped++
			continue
		}
		if err := conn.WriteEncoded(line); err != nil {
			failed++
			r.logger.Debug().Err(err).Uint64("conn", conn.ID).Str("user", userID).Msg("broadcast write failed, closing connection")
			conn.Close()
			continue
		}
		delivered++
	}

	r.metrics.RecordBroadcast(delivered, skipped, failed)
	return delivered
}
