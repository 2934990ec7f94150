package credential

import (
	"context"
	"time"

	"github.com/dmitrymomot/authkit/core/cleanup"
	"github.com/dmitrymomot/authkit/core/orm"
)

// verificationCodesTable is the shared ephemeral-artifact table; rows are
// scoped to this plugin's provider via destination_type.
const verificationCodesTable = "verification_codes"

func (pl *Plugin) cleanupTask() cleanup.Task {
	return cleanup.Task{
		Name:     pl.p.PluginName + ".codes",
		Plugin:   pl.p.PluginName,
		Interval: pl.cfg.Cleanup.Interval,
		Enabled:  true,
		Runner:   pl.runCleanup,
	}
}

// runCleanup removes expired and consumed short-lived artifacts. Idempotent:
// a second run over the same data deletes nothing.
func (pl *Plugin) runCleanup(ctx context.Context, store orm.ORM) (cleanup.Report, error) {
	var rep cleanup.Report
	now := time.Now()

	// Reset codes past their TTL, and consumed ones past retention.
	n, err := store.DeleteMany(ctx, resetCodesTable, orm.Or(
		orm.Lte("expires_at", now),
		orm.And(orm.NotNull("used_at"), orm.Lte("used_at", now.Add(-pl.cfg.Cleanup.Retention))),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(resetCodesTable, n)

	// Expired verification codes on identity metadata.
	n, err = store.UpdateMany(ctx, pl.p.MetaTable, orm.And(
		orm.NotNull("verification_code_hash"),
		orm.Lte("verification_expires_at", now),
	), orm.Record{
		"verification_code_hash":  nil,
		"verification_expires_at": nil,
	})
	if err != nil {
		return rep, err
	}
	rep.Add(pl.p.MetaTable, n)

	// Staged identifier changes abandoned past retention.
	n, err = store.UpdateMany(ctx, pl.p.MetaTable, orm.And(
		orm.NotNull("pending_identifier"),
		orm.Lte("pending_staged_at", now.Add(-pl.cfg.Cleanup.Retention)),
	), orm.Record{
		"pending_identifier": nil,
		"pending_staged_at":  nil,
	})
	if err != nil {
		return rep, err
	}
	rep.Add(pl.p.MetaTable, n)

	// Expired one-time codes addressed to this provider.
	n, err = store.DeleteMany(ctx, verificationCodesTable, orm.And(
		orm.Eq("destination_type", pl.p.Provider),
		orm.Lte("expires_at", now),
	))
	if err != nil {
		return rep, err
	}
	rep.Add(verificationCodesTable, n)

	return rep, nil
}
