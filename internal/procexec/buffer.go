package procexec

import (
	"bytes"
	"sync"
)

// cappedBuffer keeps at most limit bytes and signals once when more arrive.
// Writes never fail so the child is not killed by a broken pipe before the
// supervisor decides what to do.
type cappedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	exceeded chan struct{}
	once     sync.Once
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit, exceeded: make(chan struct{})}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		b.buf.Write(p)
		return len(p), nil
	}
	room := b.limit - int64(b.buf.Len())
	if room >= int64(len(p)) {
		b.buf.Write(p)
		return len(p), nil
	}
	if room > 0 {
		b.buf.Write(p[:room])
	}
	b.once.Do(func() { close(b.exceeded) })
	return len(p), nil
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// TailBuffer keeps the last limit bytes written, which is where sqlite3 puts
// the error that explains a failure. It is safe for concurrent use.
type TailBuffer struct {
	mu    sync.Mutex
	data  []byte
	limit int
}

// NewTailBuffer returns a TailBuffer holding at most limit bytes.
func NewTailBuffer(limit int) *TailBuffer {
	return &TailBuffer{limit: limit}
}

func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.limit; over > 0 {
		b.data = append(b.data[:0], b.data[over:]...)
	}
	return len(p), nil
}

func (b *TailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.data)
}

func (b *TailBuffer) String() string {
	return string(b.Bytes())
}
