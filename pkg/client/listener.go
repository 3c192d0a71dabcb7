package client

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/fairedge/fairedge/pkg/wire"
)

// Event is one inbound notification from the node.
type Event struct {
	Started    *wire.Started
	Terminated *wire.Terminated
}

// Listener accepts the node's callback connections on the comms port
// named in a submitted job. The node authenticates with its server
// certificate; the client presents its own pair.
type Listener struct {
	ln  net.Listener
	key []byte
}

// Listen opens the callback listener. key is the public shell key sent
// back after a Started notification; nil skips shell provisioning.
func Listen(port int, creds Credentials, key []byte) (*Listener, error) {
	cfg, err := tlsConfig(creds)
	if err != nil {
		return nil, err
	}
	cfg = cfg.Clone()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = cfg.RootCAs

	ln, err := tls.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on comms port %d: %w", port, err)
	}
	return &Listener{ln: ln, key: key}, nil
}

// Next blocks for one callback connection and returns the decoded
// notification. A Started notification is answered with the shell key
// before returning.
func (l *Listener) Next() (*Event, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	payload, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read notification: %w", err)
	}

	var probe struct {
		Msg string `json:"Msg"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}

	switch probe.Msg {
	case "Started":
		var started wire.Started
		if err := json.Unmarshal(payload, &started); err != nil {
			return nil, fmt.Errorf("failed to parse start notification: %w", err)
		}
		if l.key != nil {
			if err := l.sendKey(conn); err != nil {
				return nil, err
			}
		}
		return &Event{Started: &started}, nil
	case "Terminated":
		var terminated wire.Terminated
		if err := json.Unmarshal(payload, &terminated); err != nil {
			return nil, fmt.Errorf("failed to parse termination notification: %w", err)
		}
		return &Event{Terminated: &terminated}, nil
	}
	return nil, fmt.Errorf("unexpected notification %q", probe.Msg)
}

// sendKey writes the key and half-closes so the node's bounded read
// sees EOF.
func (l *Listener) sendKey(conn net.Conn) error {
	if _, err := conn.Write(l.key); err != nil {
		return fmt.Errorf("failed to send shell key: %w", err)
	}
	if tc, ok := conn.(*tls.Conn); ok {
		return tc.CloseWrite()
	}
	return nil
}

// Addr returns the bound listener address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting callbacks.
func (l *Listener) Close() error {
	return l.ln.Close()
}
