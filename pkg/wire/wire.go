package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fairedge/fairedge/pkg/types"
)

// Every message on the wire is <length:uint32 big-endian><payload:JSON>.
// MaxMessageSize bounds the payload length accepted from a peer.
const MaxMessageSize = 1 << 20

// ErrInvalidRequest is returned when an inbound payload does not parse
// as one of the known request variants.
var ErrInvalidRequest = errors.New("invalid request message")

// Request tags accepted from clients.
const (
	RequestNewJob    = "New Job"
	RequestTerminate = "Terminate"
)

// JobSpec is the job description carried by a New Job request.
type JobSpec struct {
	Priority  int    `json:"Priority"`
	Ports     string `json:"Ports"`
	CommsPort int    `json:"CommsPort"`
}

// Request is an inbound client request; exactly one of the optional
// fields is meaningful depending on the tag.
type Request struct {
	Request string   `json:"Request"`
	Job     *JobSpec `json:"Job,omitempty"`
	JobID   int64    `json:"JobID,omitempty"`
}

// Accepted acknowledges a New Job or Terminate request.
type Accepted struct {
	Msg         string `json:"Msg"`
	RequestType string `json:"RequestType"`
	JobID       int64  `json:"JobID"`
}

// Refused rejects a request outright.
type Refused struct {
	Msg    string `json:"Msg"`
	Reason string `json:"Reason"`
}

// Started notifies a client that its container is running.
type Started struct {
	Msg   string        `json:"Msg"`
	JobID int64         `json:"JobID"`
	Ports types.PortMap `json:"Ports"`
}

// Terminated notifies a client that its container has been stopped.
type Terminated struct {
	Msg    string `json:"Msg"`
	JobID  int64  `json:"JobID"`
	Reason string `json:"Reason"`
}

// TerminatedWaiting is the reply for a job removed from the waiting
// queue before a container ever existed. The JobId casing is part of
// the protocol and differs from Terminated.
type TerminatedWaiting struct {
	Msg    string `json:"Msg"`
	JobID  int64  `json:"JobId"`
	Reason string `json:"Reason"`
}

// Constructors keep the Msg tags in one place.

func NewAccepted(requestType string, jobID int64) Accepted {
	return Accepted{Msg: "Accepted", RequestType: requestType, JobID: jobID}
}

func NewRefused(reason string) Refused {
	return Refused{Msg: "Refused", Reason: reason}
}

func NewStarted(jobID int64, ports types.PortMap) Started {
	return Started{Msg: "Started", JobID: jobID, Ports: ports}
}

func NewTerminated(jobID int64, reason string) Terminated {
	return Terminated{Msg: "Terminated", JobID: jobID, Reason: reason}
}

func NewTerminatedWaiting(jobID int64, reason string) TerminatedWaiting {
	return TerminatedWaiting{Msg: "Terminated", JobID: jobID, Reason: reason}
}

// WriteMessage frames v as length-prefixed JSON and writes it to w.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write message header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and returns the raw payload.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read message payload: %w", err)
	}
	return payload, nil
}

// ParseRequest decodes an inbound payload and validates its tag. A
// payload that is not JSON, carries an unknown tag, or is missing the
// fields its tag requires yields ErrInvalidRequest.
func ParseRequest(payload []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ErrInvalidRequest
	}

	switch req.Request {
	case RequestNewJob:
		if req.Job == nil {
			return nil, ErrInvalidRequest
		}
		if req.Job.Priority < types.PriorityLow || req.Job.Priority > types.PriorityHigh {
			return nil, ErrInvalidRequest
		}
		if req.Job.CommsPort <= 0 || req.Job.CommsPort > 65535 {
			return nil, ErrInvalidRequest
		}
	case RequestTerminate:
		if req.JobID == 0 {
			return nil, ErrInvalidRequest
		}
	default:
		return nil, ErrInvalidRequest
	}
	return &req, nil
}
