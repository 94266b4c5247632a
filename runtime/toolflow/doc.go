// Package toolflow implements the stateful tool-execution core: a
// per-session lifecycle state machine, a per-session service serializing
// operations in submission order, and a distributed variant layering
// write-through persistence and advisory cross-process mutual exclusion on
// top.
//
// Within one process each session id is bound to a single Service whose
// operations never run concurrently. Across processes sharing a durable
// backend, coordination relies on a TTL-bounded lock with heartbeat renewal
// rather than consensus: if the lock expires before an execution completes
// the guarantee degrades from at-most-once to at-least-once, which is logged
// rather than hidden.
package toolflow
