package provision

import (
	"context"

	"github.com/org/secretprov/internal/audit"
	apperrors "github.com/org/secretprov/internal/errors"
	"github.com/org/secretprov/pkg/models"
)

// Operations.
const (
	OpCreate     = "create"
	OpRename     = "rename"
	OpDelete     = "delete"
	OpRegenerate = "regenerate_token"
)

// Steps.
const (
	StepPersist      = "persist"
	StepCopySecrets  = "copy_secrets"
	StepPolicy       = "create_policy"
	StepToken        = "create_token"
	StepRegister     = "register_accessor"
	StepDeleteKeys   = "delete_secrets"
	StepDeletePolicy = "delete_policy"
	StepRevokeToken  = "revoke_token"
	StepDeleteRow    = "delete_row"
)

// sequence tracks the steps of one operation on one environment and journals
// each outcome as it happens.
type sequence struct {
	journal *audit.Journal
	op      string
	envID   int64
	done    []string
}

func newSequence(j *audit.Journal, op string, envID int64) *sequence {
	return &sequence{journal: j, op: op, envID: envID}
}

func (s *sequence) ok(ctx context.Context, step, detail string) {
	s.done = append(s.done, step)
	s.record(ctx, step, models.OutcomeOK, detail, "")
}

func (s *sequence) skip(ctx context.Context, step, detail string) {
	s.record(ctx, step, models.OutcomeSkipped, detail, "")
}

// fail journals a failed step. Once an earlier step has completed the error
// is a PartialError naming what was done; nothing is rolled back.
func (s *sequence) fail(ctx context.Context, step string, err error) error {
	s.record(ctx, step, models.OutcomeFailed, "", err.Error())
	if len(s.done) == 0 {
		return err
	}
	return &apperrors.PartialError{
		Operation:     s.op,
		EnvironmentID: s.envID,
		Completed:     append([]string(nil), s.done...),
		Failed:        step,
		Err:           err,
	}
}

func (s *sequence) record(ctx context.Context, step, outcome, detail, errText string) {
	if s.journal == nil {
		return
	}
	s.journal.Record(ctx, &models.StepRecord{
		Operation:     s.op,
		EnvironmentID: s.envID,
		Step:          step,
		Outcome:       outcome,
		Detail:        detail,
		Error:         errText,
	})
}
