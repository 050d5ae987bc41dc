package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/protocol"
)

// link is one live hub connection. Outbound messages go through a queue
// drained by a writer goroutine so the loop never waits on the network.
type link struct {
	tr  Transport
	out *queue[outbound]

	closed    atomic.Bool
	closeOnce sync.Once
}

type outbound struct {
	ctx context.Context
	msg protocol.Message
}

func (e *Engine) newLink(tr Transport) *link {
	l := &link{tr: tr, out: newQueue[outbound]()}
	go l.writeLoop(e)
	go l.readLoop(e)
	return l
}

func (l *link) send(ctx context.Context, msg protocol.Message) {
	if ctx == nil {
		ctx = context.Background()
	}
	l.out.push(outbound{ctx: ctx, msg: msg})
}

func (l *link) writeLoop(e *Engine) {
	l.out.consume(func(o outbound) {
		if l.closed.Load() {
			return
		}
		if err := l.tr.Send(o.ctx, o.msg); err != nil {
			typ := o.msg.Type
			e.post(func() { e.onSendFailed(l, typ, err) })
		}
	})
}

func (l *link) readLoop(e *Engine) {
	for {
		msg, err := l.tr.Recv()
		if err != nil {
			e.post(func() { e.onTransportLost(l, err) })
			return
		}
		e.post(func() { e.onMessage(l, msg) })
	}
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.out.close()
		_ = l.tr.Close()
	})
}

func (e *Engine) onSendFailed(l *link, typ protocol.MessageType, err error) {
	if l != e.link {
		return
	}
	e.log.Warn("hub send failed", "type", typ, "err", err)
	e.emit(ErrorOccurred{Err: newError(KindTransport, "send "+string(typ), err)})
}

// onTransportLost drops the hub connection but leaves the call alone: an
// established peer connection does not need the hub.
func (e *Engine) onTransportLost(l *link, err error) {
	if l != e.link {
		return
	}
	l.close()
	e.link = nil
	e.log.Warn("hub connection lost", "err", err)
	e.emit(ErrorOccurred{Err: newError(KindTransport, "hub connection", err)})
}
