package proxy

import (
	"go.uber.org/zap"

	"github.com/die-net/proxee/internal/relay"
)

// work runs one dispatch of c. Nothing it does, including a panic, reaches
// the multiplexer or other workers. c stays open; the multiplexer decides
// when it is closed.
func (m *mux) work(c *client) {
	defer m.finish(c)
	defer m.metrics.WorkerDone()
	defer func() {
		if r := recover(); r != nil {
			m.metrics.WorkerPanicked()
			m.log.Error("worker panic", c.fields(zap.Any("panic", r), zap.Stack("stack"))...)
		}
	}()

	if m.cfg.HalfClose {
		defer func() {
			if err := c.conn.CloseWrite(); err != nil {
				m.log.Debug("half-close failed", c.fields(zap.Error(err))...)
			}
		}()
	}

	bp := m.bufs.Get()
	defer m.bufs.Put(bp)

	// One read. A request longer than the buffer is truncated.
	n, err := c.conn.Read(*bp)
	if n == 0 {
		m.log.Debug("client read failed", c.fields(zap.Error(err))...)
		return
	}

	st, err := m.relayer.Relay(m.workCtx, (*bp)[:n], c.conn)
	outcome := relay.Outcome(err)
	m.metrics.RecordRelay(outcome, st.BytesUp, st.BytesDown, st.Resolve)

	fields := c.fields(
		zap.String("host", st.Host),
		zap.String("outcome", outcome),
		zap.Int64("bytes_up", st.BytesUp),
		zap.Int64("bytes_down", st.BytesDown),
	)
	if err != nil {
		m.log.Error("relay failed", append(fields, zap.Error(err))...)
		return
	}
	m.log.Info("relay finished", fields...)
}
