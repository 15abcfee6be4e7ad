// Package scheduler decides when a context re-fetches its session.
//
// A [Scheduler] unifies every refresh stimulus (explicit calls, the interval timer,
// focus regained, connectivity restored and inbound change notifications) behind one
// state machine so that at most one fetch is in flight at any time.
//
// # States
//
//   - [StateIdle]: no fetch running; any trigger starts one.
//   - [StateFetching]: one fetch running; background triggers are dropped, explicit
//     callers wait for it.
//   - [StateBackoff]: the last fetch failed transiently and Config.Backoff is set;
//     background triggers are dropped until the deadline, explicit callers proceed.
//
// # What this package must NOT do
//
//   - Apply fetch results. The [FetchFunc] owns the session store.
//   - Queue background triggers. Dropping bounds request volume.
package scheduler
