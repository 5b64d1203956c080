package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Transfer represents a USB transfer request.
type Transfer struct {
	// Device address
	Address uint8

	// Endpoint address (0x00-0x0F for OUT, 0x80-0x8F for IN)
	Endpoint uint8

	// Transfer type
	Type hal.TransferType

	// Data buffer (for all transfers)
	Data []byte

	// Setup packet (for control transfers only)
	Setup *hal.SetupPacket

	// Callback when transfer completes
	Callback func(*Transfer, int, error)

	// Context for cancellation
	Context context.Context

	// Internal state
	id        uint64
	claimed   atomic.Bool
	completed atomic.Bool
	done      chan struct{}
	result    int
	err       error
}

// ID returns the identifier Submit assigned.
func (t *Transfer) ID() uint64 { return t.id }

// IsComplete returns true if the transfer has completed.
func (t *Transfer) IsComplete() bool {
	return t.completed.Load()
}

// Result returns the transfer result. It is valid once IsComplete
// reports true.
func (t *Transfer) Result() (int, error) {
	return t.result, t.err
}

// Wait blocks until the transfer completes or ctx ends.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	if t.done == nil {
		return 0, pkg.ErrInvalidState
	}
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// finish records the outcome once; later calls are ignored.
func (t *Transfer) finish(n int, err error) bool {
	if !t.claimed.CompareAndSwap(false, true) {
		return false
	}
	t.result, t.err = n, err
	t.completed.Store(true)
	close(t.done)
	return true
}

// TransferManager runs submitted transfers on a fixed pool of workers.
// Transfers to different endpoints proceed in parallel.
type TransferManager struct {
	host *Host

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.Mutex

	// Next transfer ID
	nextID atomic.Uint64

	// Worker pool
	workers int
	jobs    chan *Transfer
	group   *errgroup.Group
	sendMu  sync.RWMutex

	// State
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTransferManager creates a new transfer manager.
func NewTransferManager(host *Host, workers int) *TransferManager {
	if workers < 1 {
		workers = 1
	}
	return &TransferManager{
		host:    host,
		pending: make(map[uint64]*Transfer),
		workers: workers,
	}
}

// Start starts the transfer manager.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}

	tm.ctx, tm.cancel = context.WithCancel(ctx)
	tm.jobs = make(chan *Transfer, 4*tm.workers)
	tm.group = new(errgroup.Group)
	for i := range tm.workers {
		jobs := tm.jobs
		tm.group.Go(func() error {
			tm.worker(i, jobs)
			return nil
		})
	}
	tm.running = true
	return nil
}

// Stop cancels every pending transfer and waits for the workers to exit.
// Each cancelled transfer completes with ErrCancelled and runs its callback.
func (tm *TransferManager) Stop() error {
	tm.pendingMu.Lock()
	if !tm.running {
		tm.pendingMu.Unlock()
		return nil
	}
	tm.running = false
	tm.cancel()
	g := tm.group
	tm.pendingMu.Unlock()

	tm.sendMu.Lock()
	close(tm.jobs)
	tm.sendMu.Unlock()

	err := g.Wait()

	tm.pendingMu.Lock()
	left := make([]*Transfer, 0, len(tm.pending))
	for id, t := range tm.pending {
		delete(tm.pending, id)
		left = append(left, t)
	}
	tm.pendingMu.Unlock()

	for _, t := range left {
		if t.finish(0, pkg.ErrCancelled) && t.Callback != nil {
			t.Callback(t, 0, pkg.ErrCancelled)
		}
	}
	return err
}

// Submit queues a transfer and returns its ID. The callback, if any, runs
// on a worker goroutine. Submit blocks while the queue is full.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	if t.Type == hal.TransferControl && t.Setup == nil {
		return 0, fmt.Errorf("control transfer without setup: %w", pkg.ErrInvalidParameter)
	}

	// Held across the send so Stop cannot close jobs underneath it.
	tm.sendMu.RLock()
	defer tm.sendMu.RUnlock()

	tm.pendingMu.Lock()
	if !tm.running {
		tm.pendingMu.Unlock()
		return 0, pkg.ErrNotRunning
	}
	t.id = tm.nextID.Add(1)
	t.done = make(chan struct{})
	t.claimed.Store(false)
	t.completed.Store(false)
	tm.pending[t.id] = t
	jobs, ctx := tm.jobs, tm.ctx
	tm.pendingMu.Unlock()

	select {
	case jobs <- t:
		return t.id, nil
	case <-ctx.Done():
		tm.remove(t)
		return 0, pkg.ErrCancelled
	}
}

// Cancel completes a pending transfer with ErrCancelled. A transfer that
// is already running on the controller finishes normally.
func (tm *TransferManager) Cancel(id uint64) error {
	tm.pendingMu.Lock()
	t, ok := tm.pending[id]
	delete(tm.pending, id)
	tm.pendingMu.Unlock()

	if !ok {
		return nil
	}
	if t.finish(0, pkg.ErrCancelled) && t.Callback != nil {
		t.Callback(t, 0, pkg.ErrCancelled)
	}
	return nil
}

// worker processes transfers.
func (tm *TransferManager) worker(id int, jobs <-chan *Transfer) {
	pkg.LogDebug(pkg.ComponentHost, "transfer worker started", "id", id)

	for t := range jobs {
		tm.executeTransfer(t)
	}

	pkg.LogDebug(pkg.ComponentHost, "transfer worker stopped", "id", id)
}

// executeTransfer executes a single transfer.
func (tm *TransferManager) executeTransfer(t *Transfer) {
	if t.IsComplete() {
		return
	}

	if tm.ctx.Err() != nil {
		tm.completeTransfer(t, 0, pkg.ErrCancelled)
		return
	}
	ctx := t.Context
	if ctx == nil {
		ctx = tm.ctx
	}
	if err := ctx.Err(); err != nil {
		tm.completeTransfer(t, 0, err)
		return
	}

	var n int
	var err error
	addr := hal.DeviceAddress(t.Address)
	switch t.Type {
	case hal.TransferControl:
		n, err = tm.host.hal.ControlTransfer(ctx, addr, t.Setup, t.Data)
	case hal.TransferBulk:
		n, err = tm.host.hal.BulkTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferInterrupt:
		n, err = tm.host.hal.InterruptTransfer(ctx, addr, t.Endpoint, t.Data)
	case hal.TransferIsochronous:
		n, err = tm.host.hal.IsochronousTransfer(ctx, addr, t.Endpoint, t.Data)
	default:
		err = pkg.ErrInvalidParameter
	}

	if err != nil && tm.ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = fmt.Errorf("%w: %w", pkg.ErrCancelled, err)
	}
	tm.completeTransfer(t, n, err)
}

// completeTransfer handles transfer completion.
func (tm *TransferManager) completeTransfer(t *Transfer, n int, err error) {
	tm.remove(t)
	if t.finish(n, err) && t.Callback != nil {
		t.Callback(t, n, err)
	}
}

func (tm *TransferManager) remove(t *Transfer) {
	tm.pendingMu.Lock()
	delete(tm.pending, t.id)
	tm.pendingMu.Unlock()
}

// PendingCount returns the number of pending transfers.
func (tm *TransferManager) PendingCount() int {
	tm.pendingMu.Lock()
	defer tm.pendingMu.Unlock()
	return len(tm.pending)
}

// WaitAll waits for all transfers pending at the time of the call.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	tm.pendingMu.Lock()
	waiting := make([]*Transfer, 0, len(tm.pending))
	for _, t := range tm.pending {
		waiting = append(waiting, t)
	}
	tm.pendingMu.Unlock()

	for _, t := range waiting {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
