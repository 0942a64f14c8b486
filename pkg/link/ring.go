package link

import "sync/atomic"

// txRing is a single-producer, single-consumer byte ring. The host loop
// produces encoded frames, the writer goroutine consumes them.
type txRing struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	readable chan struct{} // empty -> non-empty edge
}

func newTxRing(size int) *txRing {
	if size < 2 || size&(size-1) != 0 {
		panic("link: tx ring size must be a power of two >= 2")
	}
	return &txRing{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
	}
}

func (r *txRing) size() uint32 { return uint32(len(r.buf)) }

// Space returns the free bytes. Producer side.
func (r *txRing) Space() int {
	return int(r.size() - (r.wr.Load() - r.rd.Load()))
}

// Available returns the queued bytes. Consumer side.
func (r *txRing) Available() int {
	return int(r.wr.Load() - r.rd.Load())
}

// Write queues all of src or nothing. It reports whether src was queued.
func (r *txRing) Write(src []byte) bool {
	rd := r.rd.Load()
	wr := r.wr.Load()
	queued := wr - rd
	if len(src) == 0 {
		return true
	}
	if int(r.size()-queued) < len(src) {
		return false
	}

	at := wr & r.mask
	first := copy(r.buf[at:], src)
	copy(r.buf, src[first:])
	r.wr.Store(wr + uint32(len(src)))

	if queued == 0 {
		select {
		case r.readable <- struct{}{}:
		default:
		}
	}
	return true
}

// Read moves up to len(dst) queued bytes into dst.
func (r *txRing) Read(dst []byte) int {
	rd := r.rd.Load()
	avail := int(r.wr.Load() - rd)
	n := min(avail, len(dst))
	if n == 0 {
		return 0
	}

	at := rd & r.mask
	first := copy(dst[:n], r.buf[at:])
	copy(dst[first:n], r.buf)
	r.rd.Store(rd + uint32(n))
	return n
}

// Readable is signalled when the ring goes from empty to non-empty.
func (r *txRing) Readable() <-chan struct{} { return r.readable }
