// Package scheduler owns job timing: recurring interval and cron jobs on a
// single robfig/cron instance, with per-job overlap skip.
//
// Jobs move Registered -> Armed -> Running -> Armed. Stop moves them to
// Stopped without interrupting a running tick; Start re-arms.
package scheduler
