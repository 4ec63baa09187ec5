// Package sched owns the durable per-target timers behind every click
// cycle. The host alarm runtime only keeps a name and a fire time; the
// authoritative state (interval, expiration, retry count, pause state)
// lives in TimerRecords here, snapshotted to the store on every change.
//
// The split drives the recovery model: after a restart RestoreState
// rebuilds triggers from records, firing anything overdue, and the
// periodic SyncWithHost pass clears triggers without records and
// re-arms records without triggers. Neither side is ever trusted over
// the other blindly; records win on existence, the clock wins on
// lateness.
//
// A per-target in-flight guard drops duplicate fires instead of queuing
// them. Restarting the process empties the guard, which is safe exactly
// because the records are the durable side.
package sched
