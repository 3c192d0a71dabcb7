package client

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/fairedge/fairedge/pkg/types"
	"github.com/fairedge/fairedge/pkg/wire"
)

const requestTimeout = 30 * time.Second

// Credentials locates the certificate material a client authenticates
// with: its own pair plus the node certificate it trusts.
type Credentials struct {
	CertFile string
	KeyFile  string
	// NodeCertFile is the node's certificate, trusted as the CA for
	// the request channel and for inbound callbacks.
	NodeCertFile string
	// ServerName must match the node certificate's common name.
	ServerName string
}

// RefusedError is returned when the node answers a request with a
// Refused message.
type RefusedError struct {
	Reason string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("request refused: %s", e.Reason)
}

// Client submits requests to a fairedge node. Every call opens one
// mutually-authenticated connection, sends one framed request and reads
// one reply.
type Client struct {
	addr   string
	tlsCfg *tls.Config
}

// NewClient loads the credentials and prepares a client for the node at
// addr (host:port).
func NewClient(addr string, creds Credentials) (*Client, error) {
	cfg, err := tlsConfig(creds)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, tlsCfg: cfg}, nil
}

// Submit asks the node to queue a job and returns the assigned job id.
// A full queue surfaces as a RefusedError.
func (c *Client) Submit(priority int, ports string, commsPort int) (int64, error) {
	req := wire.Request{
		Request: wire.RequestNewJob,
		Job: &wire.JobSpec{
			Priority:  priority,
			Ports:     ports,
			CommsPort: commsPort,
		},
	}

	reply, err := c.roundTrip(req)
	if err != nil {
		return 0, err
	}
	if reply.Msg == "Refused" {
		return 0, &RefusedError{Reason: reply.Reason}
	}
	return reply.JobID, nil
}

// Terminate asks the node to stop a job. It reports true when the job
// was still waiting and left the queue without ever running.
func (c *Client) Terminate(jobID int64) (bool, error) {
	reply, err := c.roundTrip(wire.Request{Request: wire.RequestTerminate, JobID: jobID})
	if err != nil {
		return false, err
	}
	switch reply.Msg {
	case "Refused":
		return false, &RefusedError{Reason: reply.Reason}
	case "Terminated":
		return true, nil
	}
	return false, nil
}

// nodeReply is the union of the node's reply shapes. Field matching is
// case-insensitive, so it also covers the JobId spelling used for jobs
// terminated while still waiting.
type nodeReply struct {
	Msg         string        `json:"Msg"`
	RequestType string        `json:"RequestType"`
	JobID       int64         `json:"JobID"`
	Reason      string        `json:"Reason"`
	Ports       types.PortMap `json:"Ports"`
}

func (c *Client) roundTrip(req wire.Request) (*nodeReply, error) {
	dialer := &net.Dialer{Timeout: requestTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.addr, c.tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to reach node at %s: %w", c.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	if err := wire.WriteMessage(conn, req); err != nil {
		return nil, err
	}
	payload, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}

	var reply nodeReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return nil, fmt.Errorf("failed to parse reply: %w", err)
	}
	return &reply, nil
}

func tlsConfig(creds Credentials) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(creds.CertFile, creds.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(creds.NodeCertFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read node certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in %s", creds.NodeCertFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   creds.ServerName,
	}, nil
}
