package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ttstack/tt/internal/logging"
	"github.com/ttstack/tt/internal/ttdef"
)

// job is one decoded request waiting for a worker, paired with the
// function that writes its framed Response back to whichever transport
// received it.
type job struct {
	ctx   context.Context
	op    ttdef.Opcode
	cli   ttdef.CliId
	uuid  uint64
	msg   []byte
	reply func(frame []byte)
}

const defaultWorkers = 8

// WorkerPool runs a fixed number of goroutines draining taskCh, the
// same static-mode shape the teacher's async worker pool falls back to
// when adaptive concurrency isn't configured — TT has no comparable
// bursty, externally-queued workload to justify that complexity here.
type WorkerPool struct {
	d       *Dispatcher
	workers int
	taskCh  chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewWorkerPool builds a pool of n goroutines (defaultWorkers if n<=0)
// dispatching through d.
func NewWorkerPool(d *Dispatcher, n int) *WorkerPool {
	if n <= 0 {
		n = defaultWorkers
	}
	return &WorkerPool{
		d:       d,
		workers: n,
		taskCh:  make(chan job, n*4),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the pool's goroutines. Calling Start twice is a no-op.
func (w *WorkerPool) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	logging.Op().Info("dispatch worker pool started", "workers", w.workers)
}

// Stop signals every worker to exit and waits for them to drain.
func (w *WorkerPool) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
	logging.Op().Info("dispatch worker pool stopped")
}

// Submit enqueues a decoded request, or drops it if the pool is
// stopped. Callers on the UDP read loop run this per datagram so a
// slow handler never stalls the socket reader.
func (w *WorkerPool) Submit(j job) {
	select {
	case w.taskCh <- j:
	case <-w.stopCh:
	}
}

func (w *WorkerPool) loop(id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case j := <-w.taskCh:
			w.run(j)
		}
	}
}

// run executes one job and frames its Response, logging (but not
// surfacing) any failure to encode the reply itself — the caller's
// handler error, if any, already traveled inside the Response.
func (w *WorkerPool) run(j job) {
	resp := w.d.Dispatch(j.ctx, j.op, j.cli, j.uuid, j.msg)
	body, err := json.Marshal(resp)
	if err != nil {
		logging.Op().Error("dispatch: marshal response failed", "error", err)
		return
	}
	frame, err := EncodeFrame(j.op, body)
	if err != nil {
		logging.Op().Error("dispatch: encode frame failed", "opcode", j.op.String(), "error", err)
		return
	}
	j.reply(frame)
}
