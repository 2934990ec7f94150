// Package cleanup runs the background maintenance tasks plugins register for
// their ephemeral artifacts: expired verification codes, used magic links,
// stale guest sessions, rotated signing keys.
//
// Each task gets its own timer with ±10% jitter and a random initial stagger
// so a fleet of instances never fires in lockstep. Overlapping runs of the
// same task are skipped via an atomic flag, and a panicking runner is
// isolated, logged, and rescheduled.
//
//	sched := cleanup.NewScheduler(store, cleanup.WithLogger(log))
//	_ = sched.Register(cleanup.Task{
//		Name:     "emailpassword.codes",
//		Plugin:   "email-password",
//		Interval: 15 * time.Minute,
//		Enabled:  true,
//		Runner:   expiredCodesRunner,
//	})
//	go sched.Start(ctx)
//
// RunOnce executes a task on demand for administrative tooling and tests,
// honoring the same overlap guard as timer runs.
package cleanup
