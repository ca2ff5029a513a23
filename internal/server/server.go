// Package server accepts raw TCP connections from GPS units, identifies the
// wire protocol from the first bytes, frames and decodes messages, and hands
// accepted positions to the ingestion pipeline. One goroutine owns each
// connection; no state is shared across connections.
package server

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"geotrack/internal/domain"
	"geotrack/internal/metrics"
	"geotrack/internal/pipeline"
	"geotrack/internal/protocol"
)

const (
	// identifyMin is how many bytes must accumulate before a connection is
	// declared unknown-protocol. TCP fragmentation can split even the magic
	// bytes across reads.
	identifyMin = 16

	// maxBuffer caps a connection's accumulation buffer. A buffer past this
	// size without a complete frame is garbage.
	maxBuffer = 64 * 1024

	readChunk = 2048
)

// Ingestor is the pipeline surface the server needs.
type Ingestor interface {
	IngestOne(ctx context.Context, in *pipeline.PositionInput) (*domain.Position, []*domain.Event, error)
}

type Server struct {
	log         zerolog.Logger
	addr        string
	idleTimeout time.Duration
	registry    *protocol.Registry
	ingest      Ingestor
}

func New(log zerolog.Logger, addr string, idleTimeout time.Duration, registry *protocol.Registry, ingest Ingestor) *Server {
	return &Server{
		log:         log.With().Str("component", "tcp").Logger(),
		addr:        addr,
		idleTimeout: idleTimeout,
		registry:    registry,
		ingest:      ingest,
	}
}

// Run listens until the context is cancelled. Transient accept errors are
// retried with a short backoff; they never bring the listener down.
func (s *Server) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", s.addr).Strs("protocols", s.registry.Protocols()).
		Msg("tcp ingestion listening")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			time.Sleep(time.Second)
			continue
		}
		go s.handle(ctx, conn)
	}
}

// session is the per-connection decode state. The pinned unique id carries
// the login identity forward to location frames that do not repeat it.
type session struct {
	decoder  protocol.Decoder
	uniqueID string
	buf      []byte
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	metrics.ActiveConnections.Add(1)
	defer metrics.ActiveConnections.Add(-1)
	defer conn.Close()

	log := s.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("connection opened")

	sess := &session{}
	chunk := make([]byte, readChunk)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
			return
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			metrics.BytesReceived.Add(int64(n))
			sess.buf = append(sess.buf, chunk[:n]...)
			if !s.drain(ctx, log, conn, sess) {
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				log.Debug().Str("uniqueId", sess.uniqueID).Msg("idle timeout")
			}
			return
		}
	}
}

// drain processes every complete frame in the session buffer. It returns
// false only when the connection should be dropped.
func (s *Server) drain(ctx context.Context, log zerolog.Logger, conn net.Conn, sess *session) bool {
	for len(sess.buf) > 0 {
		if sess.decoder == nil {
			sess.decoder = s.registry.Identify(sess.buf)
			if sess.decoder == nil {
				if len(sess.buf) < identifyMin {
					break // wait for more bytes before giving up
				}
				metrics.UnknownProtocol.Add(1)
				log.Warn().Err(domain.ErrUnknownProtocol).
					Str("head", headHex(sess.buf)).Msg("bytes discarded")
				sess.buf = sess.buf[:0]
				return true
			}
			log = log.With().Str("protocol", sess.decoder.Protocol()).Logger()
		}

		n, err := sess.decoder.Frame(sess.buf)
		if err != nil {
			metrics.DecodeFailures.Add(1)
			log.Warn().Err(err).Msg("framing failed, discarding buffer")
			sess.buf = sess.buf[:0]
			return true
		}
		if n == 0 {
			break // incomplete frame, wait for more bytes
		}

		frame := sess.buf[:n:n]
		sess.buf = sess.buf[n:]
		s.dispatch(ctx, log, conn, sess, frame)
	}
	if len(sess.buf) > maxBuffer {
		log.Warn().Int("buffered", len(sess.buf)).Msg("buffer overflow, dropping connection")
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, log zerolog.Logger, conn net.Conn, sess *session, frame []byte) {
	res, err := sess.decoder.Decode(frame)
	if err != nil {
		metrics.DecodeFailures.Add(1)
		log.Warn().Err(err).Str("frame", headHex(frame)).Msg("decode failed")
		return
	}
	metrics.FramesDecoded.Add(1)

	if res.UniqueID != "" && res.UniqueID != sess.uniqueID {
		sess.uniqueID = res.UniqueID
		log.Info().Str("uniqueId", sess.uniqueID).Msg("device identified")
	}

	if len(res.Response) > 0 {
		if _, err := conn.Write(res.Response); err != nil {
			log.Warn().Err(err).Msg("ack write failed")
		}
	}

	if res.Position == nil {
		return
	}
	if sess.uniqueID == "" {
		log.Warn().Msg("position frame before device identification, skipped")
		return
	}

	p := res.Position
	_, _, err = s.ingest.IngestOne(ctx, &pipeline.PositionInput{
		UniqueID:   sess.uniqueID,
		Protocol:   res.Protocol,
		Latitude:   &p.Latitude,
		Longitude:  &p.Longitude,
		Altitude:   p.Altitude,
		Speed:      p.Speed,
		Course:     p.Course,
		Valid:      p.Valid,
		DeviceTime: p.DeviceTime,
		FixTime:    p.FixTime,
		Attributes: p.Attributes,
	})
	if err != nil {
		// Bad data from one frame never terminates the connection.
		log.Warn().Err(err).Str("uniqueId", sess.uniqueID).Msg("position rejected")
	}
}

// headHex renders at most 64 bytes for diagnostics.
func headHex(data []byte) string {
	if len(data) > 64 {
		data = data[:64]
	}
	return hex.EncodeToString(data)
}
