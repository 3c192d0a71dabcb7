/*
Package runtime provides the container runtime facade for fairedge.

The Runtime interface is the only surface the scheduler and monitor
touch; DockerRuntime implements it against the Docker Engine API.
Idempotent calls transparently rebuild the client handle and retry
once on transport errors. Run never retries internally because a
failed run may be a port collision, and only the dispatcher can
allocate a fresh port map.
*/
package runtime
