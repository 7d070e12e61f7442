// Package queue owns the command lifecycle state machine and the
// per-device command queue maintenance that runs on every heartbeat.
//
// The single-active-command invariant is enforced structurally: rather
// than rejecting new commands at creation, maintenance cancels every
// open command except the one with the highest sequence. There is no
// in-memory queue and no dispatcher goroutine; the queue is recomputed
// inline on each heartbeat, matching the vehicle's poll cadence. A
// command past its timeout stays QUEUED/ISSUED in storage until the next
// heartbeat for that device observes and expires it.
package queue
