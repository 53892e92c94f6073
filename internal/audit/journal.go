// Package audit journals the outcome of every provisioning step so that a
// half-finished sequence can be reconciled by hand.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/secretprov/internal/storage"
	"github.com/org/secretprov/pkg/models"
)

// StepStore persists journal records.
type StepStore interface {
	WriteStep(ctx context.Context, rec *models.StepRecord) error
	QuerySteps(ctx context.Context, filter storage.StepFilter) ([]*models.StepRecord, error)
}

// Journal writes step records to the log and to the metadata store.
type Journal struct {
	store StepStore
}

// NewJournal creates a Journal. A nil store only logs.
func NewJournal(store StepStore) *Journal {
	return &Journal{store: store}
}

// Record logs and stores one step. Token values must never be passed here,
// only accessors and policy names.
func (j *Journal) Record(ctx context.Context, rec *models.StepRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var ev *zerolog.Event
	switch rec.Outcome {
	case models.OutcomeFailed:
		ev = log.Error()
	case models.OutcomeSkipped:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev = ev.Str("operation", rec.Operation).
		Int64("environment_id", rec.EnvironmentID).
		Str("step", rec.Step).
		Str("outcome", rec.Outcome)
	if rec.Detail != "" {
		ev = ev.Str("detail", rec.Detail)
	}
	if rec.Error != "" {
		ev = ev.Str("error", rec.Error)
	}
	ev.Msg("provisioning step")

	if j.store == nil {
		return
	}
	// A journal write failure must not change the outcome of the step.
	if err := j.store.WriteStep(ctx, rec); err != nil {
		log.Warn().Err(err).Str("step", rec.Step).Msg("journal write failed")
	}
}

// Query retrieves journal records, newest first.
func (j *Journal) Query(ctx context.Context, filter storage.StepFilter) ([]*models.StepRecord, error) {
	if j.store == nil {
		return nil, nil
	}
	return j.store.QuerySteps(ctx, filter)
}
