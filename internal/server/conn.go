package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/prismhq/prism/internal/logger"
	"github.com/prismhq/prism/internal/metrics"
	"github.com/prismhq/prism/internal/protocol"
	"github.com/prismhq/prism/internal/registry"
	"github.com/prismhq/prism/internal/validation"
)

const readChunkSize = 4096

// handleConnection runs the read loop for one admitted connection. Frame
// errors tear the connection down; validation errors answer and keep it open.
func (s *Server) handleConnection(conn net.Conn) {
	start := time.Now()
	var processed int64

	remoteIP := remoteIPOf(conn)
	ctx := logger.SetConnID(context.Background(), uuid.NewString())
	log := logger.WithConnID(ctx, s.logger).With(slog.String("remote_ip", remoteIP))

	defer func() {
		if r := recover(); r != nil {
			log.Error("connection handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			metrics.ErrorsTotal.WithLabelValues("panic").Inc()
			if s.stats != nil {
				s.stats.RecordError("panic", fmt.Sprintf("connection handler: %v", r))
			}
		}
		conn.Close()
		if s.stats != nil {
			s.stats.ConnectionClosed(time.Since(start), processed)
		}
		log.Debug("connection closed",
			slog.Duration("duration", time.Since(start)),
			slog.Int64("messages", processed))
	}()

	if s.stats != nil {
		s.stats.ConnectionOpened(remoteIP)
	}
	log.Debug("connection accepted")

	enc := protocol.NewEncoder(s.proto.MaxMessageSize)
	dec := protocol.NewDecoder(s.proto.MaxMessageSize, s.proto.MaxBufferSize)
	buf := make([]byte, readChunkSize)

	for {
		select {
		case <-s.shutdownCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			msgs, ferr := dec.Feed(buf[:n])
			for _, raw := range msgs {
				s.writeResponse(conn, enc, log, s.processMessage(ctx, log, remoteIP, raw))
				processed++
			}
			if ferr != nil {
				var fe *protocol.FrameError
				if errors.As(ferr, &fe) {
					log.Warn("frame error, closing connection",
						slog.String("kind", fe.Kind.String()),
						slog.String("error", ferr.Error()))
					if s.stats != nil {
						s.stats.RecordError(fe.Kind.String(), ferr.Error())
					}
					s.writeResponse(conn, enc, log, protocol.ErrorResponse(frameErrorMessage(fe.Kind)))
				}
				return
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, io.EOF):
				return
			case errors.As(err, &ne) && ne.Timeout():
				log.Debug("connection timed out")
				if s.stats != nil {
					s.stats.RecordError("timeout", "connection timed out")
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				s.writeResponse(conn, enc, log, protocol.ErrorResponse("connection timed out"))
				return
			default:
				select {
				case <-s.shutdownCh:
				default:
					log.Debug("read failed", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// processMessage validates and applies one decoded frame, returning the
// response to write. It never returns nil.
func (s *Server) processMessage(ctx context.Context, log *slog.Logger, remoteIP string, raw json.RawMessage) *protocol.Response {
	procStart := time.Now()
	defer func() {
		if s.stats != nil {
			s.stats.ObserveProcessing(time.Since(procStart))
		}
	}()

	msg, err := s.validator.Parse(raw)
	if err != nil {
		if s.stats != nil {
			s.stats.MessageReceived("invalid")
			s.stats.RecordError(errorKind(err), err.Error())
		}
		log.Warn("message rejected", slog.String("error", err.Error()))
		return protocol.ErrorResponse(clientMessage(err))
	}
	if s.stats != nil {
		s.stats.MessageReceived(msg.Type)
	}

	res, err := s.processor.Process(ctx, msg.Hostname, msg.AuthToken, remoteIP)
	if err != nil {
		if errors.Is(err, registry.ErrAuthRejected) {
			if s.stats != nil {
				s.stats.RecordError("auth_rejected", err.Error())
			}
			log.Warn("registration rejected: invalid auth token",
				slog.String("hostname", msg.Hostname))
			return protocol.ErrorResponse("invalid auth token")
		}
		if s.stats != nil {
			s.stats.RecordError("store", err.Error())
		}
		log.Error("registration failed",
			slog.String("hostname", msg.Hostname),
			slog.String("error", err.Error()))
		return protocol.ErrorResponse("registration failed, try again later")
	}

	log.Info("registration accepted",
		slog.String("hostname", res.Hostname),
		slog.String("ip", res.IP),
		slog.String("outcome", string(res.Outcome)))
	return protocol.SuccessResponse(string(res.Outcome))
}

func (s *Server) writeResponse(conn net.Conn, enc *protocol.Encoder, log *slog.Logger, resp *protocol.Response) {
	frame, err := enc.Encode(resp)
	if err != nil {
		log.Error("failed to encode response", slog.String("error", err.Error()))
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		log.Debug("failed to write response", slog.String("error", err.Error()))
		return
	}
	if s.stats != nil {
		s.stats.MessageSent(resp.Type)
	}
}

func remoteIPOf(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return ip
}

func frameErrorMessage(kind protocol.FrameErrorKind) string {
	switch kind {
	case protocol.FrameTooLarge:
		return "message exceeds maximum frame size"
	case protocol.BufferOverflow:
		return "receive buffer limit exceeded"
	default:
		return "malformed message frame"
	}
}

// errorKind buckets validation failures for statistics.
func errorKind(err error) string {
	var se *validation.SecurityError
	if errors.As(err, &se) {
		return "security"
	}
	return "validation"
}

// clientMessage strips internal detail from the error sent on the wire.
func clientMessage(err error) string {
	var ve *validation.Error
	if errors.As(err, &ve) {
		return fmt.Sprintf("invalid %s: %s", ve.Field, ve.Reason)
	}
	var se *validation.SecurityError
	if errors.As(err, &se) {
		return fmt.Sprintf("rejected: suspicious content in %s", se.Field)
	}
	return "invalid registration message"
}
