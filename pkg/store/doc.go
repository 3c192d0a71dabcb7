/*
Package store persists the node's job state in a single embedded
database file with three logical tables: the waiting queue, the
termination queue and the append-only dispatch history.

The history is the fairness ledger: all scheduling disciplines count
dispatches over a rolling seven-day window evaluated on the store's
clock. Job ids are issued from a monotonic sequence starting at 1000
so the id's decimal form is always a valid container name.
*/
package store
