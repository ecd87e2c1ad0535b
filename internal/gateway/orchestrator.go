package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proxyplane/internal/backup"
	"proxyplane/internal/document"
	"proxyplane/internal/provider"
	"proxyplane/internal/store"
	"proxyplane/internal/validate"
)

const (
	DefaultUpdateTimeout = 5 * time.Minute
	restoreTimeout       = time.Minute
)

// Step names the stage an update reached.
type Step string

const (
	StepValidate     Step = "validate"
	StepHealthCheck  Step = "health-check"
	StepTranslate    Step = "translate"
	StepBackup       Step = "backup"
	StepTransaction  Step = "transaction"
	StepProviderSwap Step = "provider-swap"
	StepDone         Step = "done"
	StepDryRun       Step = "dry-run"
	StepInvalid      Step = "invalid"
)

type Options struct {
	ValidateHealth bool          `json:"validateHealth"`
	Force          bool          `json:"force"`
	CreateBackup   bool          `json:"createBackup"`
	Timeout        time.Duration `json:"timeout"`
	DryRun         bool          `json:"dryRun"`
}

func DefaultOptions() Options {
	return Options{CreateBackup: true, Timeout: DefaultUpdateTimeout}
}

type UpdateResult struct {
	Success  bool          `json:"success"`
	Step     Step          `json:"step"`
	BackupID string        `json:"backupId,omitempty"`
	Status   *Status       `json:"status,omitempty"`
	Errors   []string      `json:"errors"`
	Warnings []string      `json:"warnings"`
	Duration time.Duration `json:"duration"`
}

func (r *UpdateResult) merge(v validate.Result) {
	r.Errors = append(r.Errors, v.Errors...)
	r.Warnings = append(r.Warnings, v.Warnings...)
}

// UpdateConfiguration replaces the whole active configuration with doc:
// validate, translate, back up, swap the entities in one transaction, then
// publish the new proxy snapshot. Validation and translation problems are
// reported in the result. Failures after the backup step are also returned
// as an error, after the transaction is rolled back and the backup restored.
func (s *Service) UpdateConfiguration(ctx context.Context, doc document.Document, opts Options) (res UpdateResult, err error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUpdateTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	start := time.Now()
	res = UpdateResult{Errors: []string{}, Warnings: []string{}}
	log := s.log.With().Bool("dry_run", opts.DryRun).Bool("force", opts.Force).Logger()
	defer func() {
		res.Duration = time.Since(start)
		s.metrics.RecordUpdate(string(res.Step), res.Duration)
		ev := log.Info()
		if !res.Success {
			ev = log.Warn().Strs("errors", res.Errors)
		}
		ev.Str("step", string(res.Step)).
			Int("warnings", len(res.Warnings)).
			Dur("took", res.Duration).
			Msg("configuration update finished")
	}()

	res.Step = StepValidate
	if opts.Force {
		res.Warnings = append(res.Warnings, "validation skipped with force")
	} else {
		res.merge(s.validator.ValidateConfiguration(doc))
		if len(res.Errors) > 0 {
			res.Step = StepInvalid
			return res, nil
		}
		if opts.ValidateHealth && s.health != nil {
			res.Step = StepHealthCheck
			res.merge(s.health.ValidateDestinationHealth(ctx, doc.Destinations()))
			if len(res.Errors) > 0 {
				res.Step = StepInvalid
				return res, nil
			}
		}
	}

	res.Step = StepTranslate
	tr := s.translator.Translate(doc)
	res.Warnings = append(res.Warnings, tr.Warnings...)
	if !tr.Success {
		res.Errors = append(res.Errors, tr.Errors...)
		return res, nil
	}

	if opts.DryRun {
		res.Step = StepDryRun
		res.Success = true
		s.attachStatus(ctx, &res)
		return res, nil
	}

	if opts.CreateBackup && s.backups != nil {
		res.Step = StepBackup
		id, err := s.backups.CreateBackup(ctx)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("backup failed: %v", err))
			return res, fmt.Errorf("backup: %w", err)
		}
		res.BackupID = id
	}

	res.Step = StepTransaction
	var candidate *provider.Snapshot
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SoftDeleteAll(ctx, s.now()); err != nil {
			return fmt.Errorf("soft delete: %w", err)
		}
		if err := insertEntities(ctx, tx, tr); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		var err error
		candidate, err = s.provider.Prepare(ctx, tx)
		if err != nil {
			return fmt.Errorf("prepare proxy configuration: %w", err)
		}
		return nil
	})
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
		s.restoreAfterFailure(ctx, &res)
		return res, err
	}

	res.Step = StepProviderSwap
	s.provider.Install(candidate)

	res.Step = StepDone
	res.Success = true
	s.attachStatus(ctx, &res)
	return res, nil
}

func (s *Service) attachStatus(ctx context.Context, res *UpdateResult) {
	st, err := s.GetConfigurationStatus(ctx)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("status unavailable: %v", err))
		return
	}
	res.Status = &st
}

// restoreAfterFailure puts the backup taken for this update back. Its own
// failure only adds a warning.
func (s *Service) restoreAfterFailure(ctx context.Context, res *UpdateResult) {
	if res.BackupID == "" {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	if err := s.backups.RestoreFromBackup(rctx, res.BackupID); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("restore of backup %s failed: %v", res.BackupID, err))
		return
	}
	s.afterWrite(rctx, "restore")
}

// RollbackConfiguration restores the most recent backup.
func (s *Service) RollbackConfiguration(ctx context.Context) (Status, error) {
	if s.backups == nil {
		return Status{}, ErrNoBackup
	}
	latest, err := s.backups.Latest(ctx)
	if errors.Is(err, backup.ErrNotFound) {
		return Status{}, ErrNoBackup
	}
	if err != nil {
		return Status{}, err
	}
	return s.RestoreBackup(ctx, latest.ID)
}

// RestoreBackup replaces the active configuration with backup id and
// republishes the proxy snapshot.
func (s *Service) RestoreBackup(ctx context.Context, id string) (Status, error) {
	if s.backups == nil {
		return Status{}, ErrNoBackup
	}
	if err := s.backups.RestoreFromBackup(ctx, id); err != nil {
		return Status{}, err
	}
	s.log.Info().Str("backup", id).Msg("configuration restored")
	s.afterWrite(ctx, "restore")
	return s.GetConfigurationStatus(ctx)
}
