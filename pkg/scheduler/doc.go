/*
Package scheduler implements the admission-and-dispatch engine.

The loop admits a dispatch only when the waiting queue is non-empty,
fewer than the derived maximum of containers are running, and the host
has a job's worth of CPU and memory free. Selection follows one of
four disciplines:

	0 — FIFO: oldest waiting job.
	1 — fair by client: the waiting client with the fewest dispatches
	    in the last seven days, then that client's oldest job.
	2 — weighted priority: the first under-served priority class in
	    descending order against target weights {3: 0.50, 2: 0.35,
	    1: 0.15}, then the oldest job at that priority.
	3 — weighted priority, then fair by client within the class.

Dispatch moves the job into the history before anything else, so a
client holding a Started notification can rely on the job being on the
ledger. Container launches climb a bounded retry ladder (rebuilt
handle, then a fresh port map) before the job is abandoned.
*/
package scheduler
