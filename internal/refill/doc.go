// Package refill keeps the frontier buffer fed from the durable status store.
//
// The Controller listens for empty-partition notifications from the buffer and
// answers each one with a paginated, sorted query scoped to that partition.
// Pagination uses search-after cursors cached per partition. A periodic reseed
// runs an aggregation over the store to discover which partitions have due
// work, refreshes the reference time used by every query of the cycle and
// invalidates all cursors.
//
// Per partition the controller moves between three states:
//
//	ACTIVE_NO_CURSOR --refill--> ACTIVE_WITH_CURSOR | ACTIVE_NO_RESULTS
//	ACTIVE_WITH_CURSOR --refill--> ACTIVE_WITH_CURSOR (cursor advanced)
//	any --reseed--> ACTIVE_NO_CURSOR (or dropped from the active set)
//
// Store I/O never happens while the controller or the buffer lock is held.
// A refill that was in flight during a reseed may still add its rows if the
// partition remains active, but it never writes its cursor into the new cycle.
package refill
