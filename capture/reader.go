// Package capture implements the event-capture core: the fixed-layout
// event record, the context resolver, the parameterized syscall
// sensor and the platform glue that attaches the BPF programs and
// drains their ring buffer.
//
// The platform-independent interfaces exist so the rest of the system
// can be developed and tested on non-Linux machines, and so the
// capture semantics can be exercised without loading a kernel program.
package capture

import "errors"

// ErrReaderClosed is returned by Read after Close.
var ErrReaderClosed = errors.New("reader closed")

// RecordReader is a platform-agnostic source of raw event samples.
// On Linux it wraps the BPF ring buffer reader; in tests and on other
// platforms it wraps the in-process ring.
type RecordReader interface {
	// Read blocks until the next committed record is available.
	Read() (Record, error)
	// Close releases the underlying transport.
	Close() error
}

// Record is one raw sample drained from the ring buffer, ready for
// DecodeEvent.
type Record struct {
	RawSample []byte
}

// RingReader adapts an in-process ring to the RecordReader interface.
type RingReader struct {
	ring interface {
		Read() ([]byte, bool)
		Notify() <-chan struct{}
	}
	closed chan struct{}
}

// NewRingReader wraps r for consumption through RecordReader.
func NewRingReader(r interface {
	Read() ([]byte, bool)
	Notify() <-chan struct{}
}) *RingReader {
	return &RingReader{ring: r, closed: make(chan struct{})}
}

// Read returns the next committed record, waiting on the ring's
// commit notification when it is empty.
func (r *RingReader) Read() (Record, error) {
	for {
		if raw, ok := r.ring.Read(); ok {
			return Record{RawSample: raw}, nil
		}
		select {
		case <-r.ring.Notify():
		case <-r.closed:
			return Record{}, ErrReaderClosed
		}
	}
}

// Close stops the reader. Pending Read calls return ErrReaderClosed.
func (r *RingReader) Close() error {
	select {
	case <-r.closed:
	default:
		close(r.closed)
	}
	return nil
}
