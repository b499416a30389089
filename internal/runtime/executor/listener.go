package executor

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/momflow/internal/runtime/kvmsg"
	"github.com/drblury/momflow/internal/runtime/logging"
	"github.com/drblury/momflow/internal/runtime/translator"
)

// listener consumes one reply address and hands each decoded reply to the
// caller waiting on its correlation id. Replies nobody waits for are dropped.
type listener struct {
	addr      string
	ephemeral bool
	cancel    context.CancelFunc
	done      chan struct{}

	tr     *translator.Translator
	store  *translator.ReassemblyStore
	logger logging.ServiceLogger

	mu      sync.Mutex
	waiters map[string]chan kvmsg.Message
}

func newListener(addr string, ephemeral bool, tr *translator.Translator, maxPending int, logger logging.ServiceLogger) *listener {
	return &listener{
		addr:      addr,
		ephemeral: ephemeral,
		done:      make(chan struct{}),
		tr:        tr,
		store:     translator.NewReassemblyStore(maxPending),
		logger:    logger.With(logging.LogFields{logging.FieldReplyTo: addr}),
		waiters:   make(map[string]chan kvmsg.Message),
	}
}

// await registers interest in corrID. The channel receives at most one reply.
func (l *listener) await(corrID string) <-chan kvmsg.Message {
	ch := make(chan kvmsg.Message, 1)
	l.mu.Lock()
	l.waiters[corrID] = ch
	l.mu.Unlock()
	return ch
}

func (l *listener) forget(corrID string) {
	l.mu.Lock()
	delete(l.waiters, corrID)
	l.mu.Unlock()
}

func (l *listener) waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func (l *listener) run(msgs <-chan *message.Message) {
	defer close(l.done)
	for wm := range msgs {
		l.receive(wm)
		wm.Ack()
	}
}

func (l *listener) receive(wm *message.Message) {
	c, err := translator.ChunkFromWatermill(l.addr, wm)
	if err != nil {
		l.logger.Error("Dropped malformed reply chunk", err, nil)
		return
	}
	chunks, done, err := l.store.Add(c)
	if err != nil {
		l.logger.Error("Dropped reply chunk", err, logging.LogFields{logging.FieldSplitMID: c.SplitMID})
		return
	}
	if !done {
		return
	}
	reply, err := l.tr.Decode(chunks)
	if err != nil {
		l.logger.Error("Dropped undecodable reply", err, logging.LogFields{logging.FieldCorrelationID: c.CorrelationID})
		return
	}

	corrID := reply.Text(kvmsg.KeyCorrelationID)
	l.mu.Lock()
	ch, ok := l.waiters[corrID]
	if ok {
		delete(l.waiters, corrID)
	}
	l.mu.Unlock()
	if !ok {
		l.logger.Info("Dropped reply with no waiting caller", logging.LogFields{logging.FieldCorrelationID: corrID})
		return
	}
	ch <- reply
}
