package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/nexushq/nexus/internal/apperr"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/keys"
	"github.com/nexushq/nexus/internal/kv"
)

const (
	// MinSweepInterval floors how often the sweeper may run.
	MinSweepInterval = time.Minute
	// pendingThreshold is how old a pending assistant row must be before the
	// sweeper will touch it.
	pendingThreshold = 5 * time.Minute

	sweepBatch = 100
)

// Sidecar placeholders for rows the sweeper finalizes without a provider
// call on record.
const (
	sweeperProvider      = "unknown"
	sweeperModel         = "unknown"
	sweeperPromptVersion = "sweeper"
)

// Sweeper finalizes assistant rows whose finalizer died. It shares the
// finalize-once contract with the stream pump: the conditional update makes
// racing a live finalizer harmless.
type Sweeper struct {
	store  Store
	kv     kv.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(store Store, kvStore kv.Store, logger zerolog.Logger) *Sweeper {
	return &Sweeper{store: store, kv: kvStore, logger: logger, now: time.Now}
}

// Run sweeps on the given interval until the context ends. Intervals below
// the floor are raised to it.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval < MinSweepInterval {
		interval = MinSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}

// SweepOnce finalizes one batch of orphaned pending rows and returns how
// many it swept.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-pendingThreshold)
	pending, err := s.store.ListPendingAssistantsOlderThan(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, m := range pending {
		alive, err := s.kv.Exists(ctx, livenessKey(m.ID))
		if err != nil {
			// Can't tell whether a stream is live; skip rather than kill it.
			s.logger.Warn().Err(err).Str("message_id", m.ID.String()).Msg("liveness check unavailable, skipping")
			continue
		}
		if alive {
			continue
		}
		won, err := s.finalizeOrphan(ctx, m.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("message_id", m.ID.String()).Msg("finalize orphan")
			continue
		}
		if won {
			swept++
		}
	}
	if swept > 0 || len(pending) > 0 {
		s.logger.Info().Int("candidate_count", len(pending)).Int("swept_count", swept).Msg("sweep finished")
	}
	return swept, nil
}

func (s *Sweeper) finalizeOrphan(ctx context.Context, id uuid.UUID) (bool, error) {
	code := string(apperr.EOrphanedPending)
	var won bool
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		won, err = s.store.FinalizeAssistant(ctx, tx, id, db.StatusError, userFacingMessage(apperr.EOrphanedPending), &code)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		ml := &db.MessageLLM{
			MessageID:        id,
			Provider:         sweeperProvider,
			Model:            sweeperModel,
			KeyModeRequested: keys.UsedPlatform,
			KeyModeUsed:      keys.UsedPlatform,
			ErrorClass:       &code,
			PromptVersion:    sweeperPromptVersion,
		}
		return s.store.InsertMessageLLM(ctx, tx, ml, true)
	})
	return won, err
}
