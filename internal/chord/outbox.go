package chord

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/zde37/simpledht/internal/telemetry"
	"github.com/zde37/simpledht/internal/wire"
	"github.com/zde37/simpledht/pkg"
)

// outboundJob is one fire-and-forget message waiting for its turn on a peer's
// outbox. A job with a flushed channel carries no message; the worker closes
// the channel once every earlier job has been handed to the transport.
type outboundJob struct {
	ctx     context.Context
	msg     *wire.Message
	flushed chan struct{}
}

// outbox serialises the fire-and-forget traffic this node sends to one peer.
// The queue is unbounded so enqueueing never blocks, and a single worker
// drains it in order. Requests do not go through the queue: each one runs on
// its own goroutine, so a reply that needs a full ring circuit never holds up
// this peer's writes or another request.
type outbox struct {
	addr     string
	remote   RemoteClient
	logger   *pkg.Logger
	metrics  *telemetry.Metrics
	inflight *atomic.Int64

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *linkedlistqueue.Queue
	closed bool
	done   chan struct{}
}

func newOutbox(addr string, remote RemoteClient, logger *pkg.Logger, metrics *telemetry.Metrics, inflight *atomic.Int64) *outbox {
	o := &outbox{
		addr:     addr,
		remote:   remote,
		logger:   logger.WithFields(pkg.Fields{"peer": addr}),
		metrics:  metrics,
		inflight: inflight,
		queue:    linkedlistqueue.New(),
		done:     make(chan struct{}),
	}
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// enqueue appends a job. It returns false once the outbox is closed.
func (o *outbox) enqueue(job *outboundJob) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	o.track(1)
	o.queue.Enqueue(job)
	o.cond.Signal()
	return true
}

func (o *outbox) run() {
	defer close(o.done)

	for {
		o.mu.Lock()
		for o.queue.Empty() && !o.closed {
			o.cond.Wait()
		}
		if o.closed {
			dropped := o.queue.Size()
			o.queue.Clear()
			o.mu.Unlock()
			o.track(-int64(dropped))
			return
		}
		v, _ := o.queue.Dequeue()
		o.mu.Unlock()

		o.deliver(v.(*outboundJob))
		o.track(-1)
	}
}

func (o *outbox) deliver(job *outboundJob) {
	if job.flushed != nil {
		close(job.flushed)
		return
	}
	if err := job.ctx.Err(); err != nil {
		o.logger.Debug().Err(err).Str("op", string(job.msg.Op)).Msg("Dropping message, caller gave up")
		return
	}

	o.metrics.ObserveMessage(string(job.msg.Op), telemetry.DirectionOut)

	if err := o.remote.Send(job.ctx, o.addr, job.msg); err != nil {
		o.metrics.ObserveDrop()
		o.logger.Warn().Err(err).Str("op", string(job.msg.Op)).Str("key", job.msg.Key).Msg("Failed to send message, dropping it")
	}
}

// flush returns a channel closed once everything queued so far has been
// handed to the transport. It returns nil when the outbox is closed.
func (o *outbox) flush(ctx context.Context) <-chan struct{} {
	flushed := make(chan struct{})
	if !o.enqueue(&outboundJob{ctx: ctx, flushed: flushed}) {
		return nil
	}
	return flushed
}

// request sends msg on its own goroutine and delivers the reply on the
// returned channel. A failed request never delivers; the caller waits on ctx.
func (o *outbox) request(ctx context.Context, msg *wire.Message) <-chan *wire.Message {
	reply := make(chan *wire.Message, 1)
	go func() {
		o.metrics.ObserveMessage(string(msg.Op), telemetry.DirectionOut)

		resp, err := o.remote.Request(ctx, o.addr, msg)
		if err != nil {
			o.metrics.ObserveDrop()
			o.logger.Warn().Err(err).Str("op", string(msg.Op)).Str("key", msg.Key).Msg("Request failed")
			return
		}
		reply <- resp
	}()
	return reply
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outbox) track(delta int64) {
	if o.inflight != nil && delta != 0 {
		o.inflight.Add(delta)
	}
}
