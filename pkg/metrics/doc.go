// Package metrics defines the node's Prometheus collectors: queue
// depth, running containers, dispatch outcomes and terminations.
package metrics
