// Package scheduler arms one-shot campaign triggers.
//
// The scheduler decides when; the task engine executes. Each trigger is a
// persisted (campaign id, fire time) row plus an in-memory timer. At fire
// time the trigger is handed to the engine, which consumes it (removes the
// row) and then runs the dispatch callback. A cron-driven sync sweep keeps
// the timers in line with rows written by other processes.
package scheduler
