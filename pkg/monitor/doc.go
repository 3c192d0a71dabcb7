/*
Package monitor keeps the container runtime aligned with the
termination queue and reclaims idle capacity.

Idle detection compares two one-shot CPU samples taken ten seconds
apart for every container running longer than a minute; anything under
ten percent of a core-scaled share is queued for termination. The drain
pass stops queued containers, removes them with their volumes, and
notifies the owning client over the callback channel.
*/
package monitor
