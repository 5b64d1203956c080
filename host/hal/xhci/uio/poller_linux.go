//go:build linux

package uio

import (
	"encoding/binary"
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/pkg"
)

const maxEpollEvents = 4

// =============================================================================
// Interrupt Poller
// =============================================================================

// poller waits for interrupts on a uio device file. Each read of the file
// returns the interrupt count and blocks until the next one; writing 1
// unmasks the line again.
type poller struct {
	epfd   int
	wakefd int // eventfd for waking the loop
	irqfd  int

	mu      sync.Mutex
	handler func()
	done    chan struct{}
	stopped chan struct{}
	count   uint32 // kernel's running interrupt count
}

// newPoller watches irqfd, which the poller does not own.
func newPoller(irqfd int) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{epfd: epfd, wakefd: wakefd, irqfd: irqfd}
	for _, fd := range []int{wakefd, irqfd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			p.closeFDs()
			return nil, err
		}
	}
	return p, nil
}

// start runs handler on the poll goroutine for every interrupt until stop.
func (p *poller) start(handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done != nil {
		return pkg.ErrBusy
	}
	p.handler = handler
	p.done = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.loop(p.done, p.stopped)
	return nil
}

// stop ends the loop and waits for it. Safe to call when not started.
func (p *poller) stop() {
	p.mu.Lock()
	done, stopped := p.done, p.stopped
	p.done, p.stopped = nil, nil
	p.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	p.wake()
	<-stopped
}

// close stops the loop and releases the epoll and wake descriptors.
func (p *poller) close() error {
	p.stop()
	return p.closeFDs()
}

// interrupts returns the kernel's interrupt count at the last service.
func (p *poller) interrupts() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func (p *poller) closeFDs() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}

// wake signals the loop to check for shutdown.
func (p *poller) wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

func (p *poller) loop(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	if err := p.unmask(); err != nil {
		pkg.LogWarn(pkg.ComponentPlatform, "unmask interrupt failed", "error", err)
	}

	var events [maxEpollEvents]unix.EpollEvent
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			pkg.LogError(pkg.ComponentPlatform, "epoll wait failed", "error", err)
			return
		}

		for i := range n {
			switch int(events[i].Fd) {
			case p.wakefd:
				var buf [8]byte
				unix.Read(p.wakefd, buf[:])
			case p.irqfd:
				p.service()
			}
		}
	}
}

// service consumes one interrupt, runs the handler and unmasks the line.
func (p *poller) service() {
	var buf [4]byte
	if _, err := unix.Read(p.irqfd, buf[:]); err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			pkg.LogWarn(pkg.ComponentPlatform, "read interrupt count failed", "error", err)
		}
		return
	}
	p.mu.Lock()
	p.count = binary.NativeEndian.Uint32(buf[:])
	handler := p.handler
	p.mu.Unlock()

	if handler != nil {
		handler()
	}
	if err := p.unmask(); err != nil {
		pkg.LogWarn(pkg.ComponentPlatform, "unmask interrupt failed", "error", err)
	}
}

// unmask re-enables the interrupt line through the uio irqcontrol write.
func (p *poller) unmask() error {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], 1)
	_, err := unix.Write(p.irqfd, buf[:])
	return err
}
