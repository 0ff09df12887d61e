// Package pcap records ethernet frames passing through a netdev as a
// classic libpcap stream.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	LinkTypeEthernet uint32 = 1

	// DefaultSnapLen is large enough for any frame a netdev can carry.
	DefaultSnapLen uint32 = 65535

	magicMicroseconds = 0xa1b2c3d4
)

var ErrClosed = errors.New("pcap: writer closed")

// Writer appends frames to a pcap stream. It is safe for concurrent use,
// so rx and tx paths of several queues may share one Writer.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	frames  uint64
	err     error
}

// NewWriter writes the global header to out and returns a Writer for
// ethernet frames. A snapLen of 0 selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}

	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records frame with the current time. Frames longer than the
// snap length are truncated; the record keeps the original length.
func (w *Writer) WriteFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame of %d bytes overflows record", len(frame))
	}

	data := frame
	if uint32(len(data)) > w.snapLen {
		data = data[:w.snapLen]
	}

	ts := w.now()
	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(data)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	if _, err := w.w.Write(rec[:]); err != nil {
		w.err = fmt.Errorf("pcap: write record: %w", err)
		return w.err
	}
	if _, err := w.w.Write(data); err != nil {
		w.err = fmt.Errorf("pcap: write frame: %w", err)
		return w.err
	}
	w.frames++
	return nil
}

// Frames returns the number of frames recorded so far.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close stops recording and closes the underlying writer if it is an
// io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err == ErrClosed {
		return nil
	}
	w.err = ErrClosed
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
