package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fairedge/fairedge/pkg/config"
	"github.com/fairedge/fairedge/pkg/log"
	"github.com/fairedge/fairedge/pkg/metrics"
	"github.com/fairedge/fairedge/pkg/store"
	"github.com/fairedge/fairedge/pkg/types"
	"github.com/fairedge/fairedge/pkg/wire"
)

// Reasons sent with Refused replies.
const (
	reasonQueueFull      = "No space in job queue"
	reasonInvalidRequest = "The request message was invalid"
)

// Server is the inbound request handler: a mutually-authenticated TLS
// listener that serves exactly one framed request per connection. The
// client's identity is its certificate common name; its IP is taken
// from the socket.
type Server struct {
	cfg      *config.Config
	store    store.Store
	listener net.Listener
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewServer builds the TLS listener configuration from the certs
// directory: server.crt/server.key for the node's identity and
// client.crt as the trusted client bundle.
func NewServer(cfg *config.Config, st store.Store) (*Server, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(cfg.CertsDir, "server.crt"),
		filepath.Join(cfg.CertsDir, "server.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}

	bundlePath := filepath.Join(cfg.CertsDir, "client.crt")
	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client bundle %s: %w", bundlePath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(bundle) {
		return nil, fmt.Errorf("no usable certificates in %s", bundlePath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	listener, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &Server{
		cfg:      cfg,
		store:    st,
		listener: listener,
		logger:   log.WithComponent("server"),
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) {
	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("listening for client requests")
	go s.acceptLoop(ctx)
}

// Stop closes the listener and waits for in-flight requests.
func (s *Server) Stop() {
	s.listener.Close()
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(ctx, conn.(*tls.Conn))
		}()
	}
}

// handleConn authenticates the peer and serves its single request.
func (s *Server) handleConn(ctx context.Context, conn *tls.Conn) {
	requestID := uuid.New().String()
	logger := s.logger.With().Str("request_id", requestID).Logger()

	if err := conn.HandshakeContext(ctx); err != nil {
		logger.Warn().Err(err).Msg("tls handshake failed")
		return
	}

	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		logger.Warn().Msg("no client certificate presented")
		return
	}
	clientName := state.PeerCertificates[0].Subject.CommonName

	clientIP, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		logger.Warn().Err(err).Msg("unparsable peer address")
		return
	}

	logger = logger.With().Str("client", clientName).Str("ip", clientIP).Logger()
	s.ServeRequest(conn, clientName, clientIP, logger)
}

// ServeRequest reads one framed request from rw and writes the reply.
// Split from the TLS plumbing so the routing is testable over any
// stream.
func (s *Server) ServeRequest(rw io.ReadWriter, clientName, clientIP string, logger zerolog.Logger) {
	payload, err := wire.ReadMessage(rw)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read request")
		return
	}

	req, err := wire.ParseRequest(payload)
	if err != nil {
		logger.Warn().Msg("invalid request")
		s.reply(rw, wire.NewRefused(reasonInvalidRequest), logger)
		return
	}

	switch req.Request {
	case wire.RequestNewJob:
		s.handleNewJob(rw, clientName, clientIP, req.Job, logger)
	case wire.RequestTerminate:
		s.handleTerminate(rw, req.JobID, logger)
	}
}

// handleNewJob admits the job or refuses for lack of queue space.
func (s *Server) handleNewJob(rw io.ReadWriter, clientName, clientIP string, job *wire.JobSpec, logger zerolog.Logger) {
	var jobID int64
	err := s.withStoreRetry(func() error {
		var err error
		jobID, err = s.store.EnqueueJob(clientName, clientIP, job.CommsPort, job.Priority, job.Ports)
		return err
	})

	switch {
	case errors.Is(err, store.ErrQueueFull):
		metrics.JobsRefused.Inc()
		logger.Info().Msg("queue full, refusing job")
		s.reply(rw, wire.NewRefused(reasonQueueFull), logger)
	case err != nil:
		// Persistent store failure: log and close without reply.
		logger.Error().Err(err).Msg("failed to enqueue job")
	default:
		logger.Info().Int64("job_id", jobID).Int("priority", job.Priority).Msg("job accepted")
		s.reply(rw, wire.NewAccepted("Start", jobID), logger)
	}
}

// handleTerminate removes a still-waiting job outright, or queues a
// running one for termination. Exactly one of the two happens.
func (s *Server) handleTerminate(rw io.ReadWriter, jobID int64, logger zerolog.Logger) {
	var removed bool
	err := s.withStoreRetry(func() error {
		var err error
		removed, err = s.store.RemoveWaiting(jobID)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to remove waiting job")
		return
	}

	if removed {
		logger.Info().Int64("job_id", jobID).Msg("waiting job removed")
		s.reply(rw, wire.NewTerminatedWaiting(jobID, types.ReasonRequested), logger)
		return
	}

	err = s.withStoreRetry(func() error {
		return s.store.EnqueueTermination(jobID, types.ReasonRequested)
	})
	if err != nil {
		logger.Error().Err(err).Int64("job_id", jobID).Msg("failed to queue termination")
		return
	}
	logger.Info().Int64("job_id", jobID).Msg("termination queued")
	s.reply(rw, wire.NewAccepted("Terminate", jobID), logger)
}

// withStoreRetry retries a transient store failure once. ErrQueueFull
// is an answer, not a failure.
func (s *Server) withStoreRetry(fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, store.ErrQueueFull) {
		return err
	}
	return fn()
}

func (s *Server) reply(w io.Writer, msg any, logger zerolog.Logger) {
	if err := wire.WriteMessage(w, msg); err != nil {
		logger.Warn().Err(err).Msg("failed to write reply")
	}
}
