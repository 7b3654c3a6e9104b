package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/loganszeto/linekv/internal/protocol"
)

// serveConn runs the read, dispatch, write loop for one session until the
// peer closes, a read fails, or a reply cannot be written.
func (s *Server) serveConn(ctx context.Context, c net.Conn, logger hclog.Logger) {
	reader := bufio.NewReaderSize(c, s.cfg.MaxLineBytes+2)
	writer := bufio.NewWriter(c)
	limiter := NewLimiter(s.cfg.RateLimit)

	for {
		line, tooLong, err := readLine(reader, s.cfg.MaxLineBytes)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("session closed by peer")
			case errors.Is(err, net.ErrClosed):
				logger.Debug("session closed locally")
			default:
				logger.Warn("read failed", "error", err)
			}
			return
		}

		var cmd protocol.Command
		if tooLong {
			cmd = protocol.TooLong()
		} else {
			cmd = protocol.Parse(line, s.clock.Now())
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				logger.Debug("rate limiter wait aborted", "error", err)
				return
			}
		}

		resp := s.dispatch(cmd)
		if err := protocol.WriteResponse(writer, resp); err == nil {
			err = writer.Flush()
		}
		if err != nil {
			logger.Warn("write failed, closing session", "error", err)
			return
		}
	}
}

// NewLimiter returns a per-session limiter allowing perSecond commands, or
// nil when perSecond is not positive.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// readLine returns the next request line. A line whose content, without
// its terminator, exceeds limit is consumed up to its newline or EOF and
// reported as tooLong. A final unterminated line is returned before io.EOF.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	line, err = r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = r.ReadSlice('\n')
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		return nil, true, nil
	case errors.Is(err, io.EOF) && len(line) > 0:
	default:
		return nil, false, err
	}
	if len(bytes.TrimRight(line, "\r\n")) > limit {
		return nil, true, nil
	}
	return line, false, nil
}
