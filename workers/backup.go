package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/memhive/memoryd/backup"
)

// Backup snapshots the data directory on schedule and verifies the newest
// snapshot's manifest digests.
type Backup struct {
	manager *backup.Manager
	keep    int
	logger  zerolog.Logger
}

// NewBackup builds the backup worker. keep bounds how many snapshots are
// reported before the oldest ones are flagged for pruning.
func NewBackup(manager *backup.Manager, keep int, logger zerolog.Logger) *Backup {
	if keep <= 0 {
		keep = 7
	}
	return &Backup{
		manager: manager,
		keep:    keep,
		logger:  logger.With().Str("component", "backup_worker").Logger(),
	}
}

func (b *Backup) Kind() string { return "backup" }

func (b *Backup) Run(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{Worker: b.Kind(), StartedAt: time.Now(), DryRun: dryRun}
	defer func() { report.FinishedAt = time.Now() }()

	if dryRun {
		report.Actions = append(report.Actions, Action{Kind: "create_backup", Detail: "snapshot data directory"})
	} else {
		manifest, err := b.manager.Create(ctx)
		if err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
		report.Actions = append(report.Actions, Action{
			Kind:    "create_backup",
			Detail:  fmt.Sprintf("backup %s, %d files, %d bytes", manifest.ID, len(manifest.Files), manifest.TotalSize),
			Applied: true,
		})
	}

	// Verify the newest existing snapshot either way. A silently rotting
	// backup is worse than none.
	backups, err := b.manager.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if len(backups) > 0 {
		res, err := b.manager.Verify(ctx, backups[0].ID)
		if err != nil {
			return nil, fmt.Errorf("verify backup %s: %w", backups[0].ID, err)
		}
		action := Action{
			Kind:    "verify_backup",
			Detail:  fmt.Sprintf("backup %s, %d files verified", res.ID, res.Verified),
			Applied: !dryRun,
		}
		if !res.OK {
			action.Error = fmt.Sprintf("%d missing, %d corrupt", len(res.Missing), len(res.Corrupt))
			report.Errors++
			b.logger.Error().Str("backupID", res.ID).Strs("missing", res.Missing).Strs("corrupt", res.Corrupt).Msg("backup verification failed")
		}
		report.Actions = append(report.Actions, action)
	}
	for i := b.keep; i < len(backups); i++ {
		report.Actions = append(report.Actions, Action{
			Kind:   "prune_candidate",
			Detail: fmt.Sprintf("backup %s exceeds retention of %d", backups[i].ID, b.keep),
		})
	}
	return report, nil
}

var _ Worker = (*Backup)(nil)
