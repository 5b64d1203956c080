package host

import (
	"context"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// Pipe provides a buffered, bidirectional byte stream over a bulk IN and
// a bulk OUT endpoint.
type Pipe struct {
	device  *Device
	epIn    uint8
	epOut   uint8
	maxSize int

	readBuf  []byte
	readPos  int
	readLen  int
	writeBuf []byte

	closed bool
	mu     sync.Mutex
}

// NewPipe creates a new pipe for the given endpoints. maxSize bounds
// each bulk transfer and should be a multiple of the endpoints' max
// packet size.
func NewPipe(dev *Device, epIn, epOut uint8, maxSize int) *Pipe {
	return &Pipe{
		device:   dev,
		epIn:     epIn,
		epOut:    epOut,
		maxSize:  maxSize,
		readBuf:  make([]byte, maxSize),
		writeBuf: make([]byte, maxSize),
	}
}

// Read reads data from the IN endpoint.
func (p *Pipe) Read(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, pkg.ErrInvalidState
	}

	// If we have buffered data, return it
	if p.readPos < p.readLen {
		n := copy(data, p.readBuf[p.readPos:p.readLen])
		p.readPos += n
		return n, nil
	}

	n, err := p.device.BulkTransfer(ctx, p.epIn, p.readBuf)
	if err != nil {
		return 0, err
	}

	p.readLen = n
	p.readPos = copy(data, p.readBuf[:n])
	return p.readPos, nil
}

// Write writes data to the OUT endpoint in transfers of at most maxSize
// bytes.
func (p *Pipe) Write(ctx context.Context, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, pkg.ErrInvalidState
	}

	total := 0
	for len(data) > 0 {
		n := min(len(data), p.maxSize)

		copy(p.writeBuf, data[:n])
		written, err := p.device.BulkTransfer(ctx, p.epOut, p.writeBuf[:n])
		if err != nil {
			return total, err
		}

		total += written
		data = data[n:]
	}

	return total, nil
}

// Close discards buffered input. Later reads and writes fail.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.readPos, p.readLen = 0, 0
	return nil
}

// Device returns the device this pipe is connected to.
func (p *Pipe) Device() *Device {
	return p.device
}
