package callback

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fairedge/fairedge/pkg/types"
	"github.com/fairedge/fairedge/pkg/wire"
)

// MaxKeySize bounds the public key read from a client after a Started
// notification. The read runs until the client closes its write side,
// so an unbounded read would let a client pin the dispatcher.
const MaxKeySize = 16 * 1024

// dialTimeout bounds the outbound connect so a dead client address
// cannot stall the scheduler or monitor indefinitely.
const dialTimeout = 30 * time.Second

// Session is an established outbound connection to one client.
type Session interface {
	// SendStarted tells the client its container is up and where its
	// ports landed.
	SendStarted(jobID int64, ports types.PortMap) error
	// ReceiveKey reads the client's public shell key until EOF,
	// bounded by MaxKeySize.
	ReceiveKey() ([]byte, error)
	Close() error
}

// Notifier opens one-shot secure channels back to clients. Each client
// is authenticated against its own CA bundle certs/<name>.crt.
type Notifier interface {
	Dial(addr types.ClientAddr) (Session, error)
	// NotifyTerminated opens a channel, delivers the Terminated
	// message and closes it.
	NotifyTerminated(addr types.ClientAddr, jobID int64, reason string) error
}

// TLSNotifier implements Notifier with mutual TLS: the node presents
// its server certificate and validates the client against the
// per-client bundle.
type TLSNotifier struct {
	certsDir string
	cert     tls.Certificate
}

// NewTLSNotifier loads the node's certificate pair from certsDir.
func NewTLSNotifier(certsDir string) (*TLSNotifier, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certsDir, "server.crt"),
		filepath.Join(certsDir, "server.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	return &TLSNotifier{certsDir: certsDir, cert: cert}, nil
}

// Dial connects to the client's callback address.
func (n *TLSNotifier) Dial(addr types.ClientAddr) (Session, error) {
	caPath := filepath.Join(n.certsDir, addr.Name+".crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA %s: %w", caPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no usable certificates in %s", caPath)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{n.cert},
		RootCAs:      pool,
		ServerName:   addr.Name,
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to reach client %s at %s:%d: %w", addr.Name, addr.IP, addr.Port, err)
	}
	return &tlsSession{conn: conn}, nil
}

// NotifyTerminated delivers a Terminated message over a fresh channel.
func (n *TLSNotifier) NotifyTerminated(addr types.ClientAddr, jobID int64, reason string) error {
	sess, err := n.Dial(addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	s := sess.(*tlsSession)
	return wire.WriteMessage(s.conn, wire.NewTerminated(jobID, reason))
}

type tlsSession struct {
	conn *tls.Conn
}

func (s *tlsSession) SendStarted(jobID int64, ports types.PortMap) error {
	return wire.WriteMessage(s.conn, wire.NewStarted(jobID, ports))
}

func (s *tlsSession) ReceiveKey() ([]byte, error) {
	key, err := io.ReadAll(io.LimitReader(s.conn, MaxKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	if len(key) > MaxKeySize {
		return nil, fmt.Errorf("public key exceeds %d bytes", MaxKeySize)
	}
	return key, nil
}

func (s *tlsSession) Close() error {
	return s.conn.Close()
}
