package types

import (
	"strings"
	"time"
)

// Priority levels accepted for a job. Higher is more important.
const (
	PriorityLow    = 1
	PriorityMedium = 2
	PriorityHigh   = 3
)

// FirstJobID is the lowest job id ever issued. Container runtimes
// reject names shorter than four characters, and the container name
// is the decimal form of the job id.
const FirstJobID = 1000

// Job is a client-submitted unit of work. The same shape is used in
// the waiting queue and in the history table; the row identity is
// preserved when a job is moved between the two.
type Job struct {
	ID          int64     `json:"id"`
	ClientName  string    `json:"client_name"`
	ClientIP    string    `json:"client_ip"`
	ClientPort  int       `json:"client_port"`
	Priority    int       `json:"priority"`
	SubmittedAt time.Time `json:"submitted_at"`
	// Ports is the comma-separated list of container-side ports the
	// client asked to have published.
	Ports string `json:"ports"`
}

// RequestedPorts splits the comma-separated port list.
func (j *Job) RequestedPorts() []string {
	if j.Ports == "" {
		return nil
	}
	return strings.Split(j.Ports, ",")
}

// TerminationRequest is a pending stop intent for a job. Reason is
// reported back to the client once the stop has been carried out.
type TerminationRequest struct {
	JobID  int64  `json:"job_id"`
	Reason string `json:"reason"`
}

// Termination reasons understood by clients.
const (
	ReasonRequested = "Termination Requested"
	ReasonIdle      = "Container Idle"
)

// PortMap maps a requested container-side port (string form, as it
// appears on the wire) to the host port allocated for it.
type PortMap map[string]int

// RunningContainer is the subset of runtime container state the core
// needs: identity, job name, age and the host ports it occupies.
type RunningContainer struct {
	ID        string
	Name      string
	CreatedAt time.Time
	HostPorts []int
}

// ContainerStats is a single non-streaming CPU sample for one
// container, in the runtime's cumulative nanosecond counters.
type ContainerStats struct {
	TotalUsage  float64
	SystemUsage float64
}

// ClientAddr is the callback address recorded for a dispatched job.
type ClientAddr struct {
	Name string
	IP   string
	Port int
}
