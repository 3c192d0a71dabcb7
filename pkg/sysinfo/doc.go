// Package sysinfo wraps host CPU and memory probes behind a small
// interface so scheduling decisions can be tested without the host.
package sysinfo
