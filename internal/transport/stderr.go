package transport

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"
)

// StderrBuffer captures a child's stderr into a bounded in-memory ring of
// recent lines. On overflow the oldest lines are discarded and a counter is
// incremented; nothing ever blocks the child's stderr pipe.
//
// Every line is also forwarded to the log sink at debug level so child
// diagnostics show up in the orchestrator's own logs.
type StderrBuffer struct {
	mu        sync.Mutex
	lines     []string
	head      int
	count     int
	discarded uint64
	capacity  int
	logger    *zap.Logger
	done      chan struct{}
}

// defaultStderrLines bounds the retained stderr tail per child.
const defaultStderrLines = 200

// NewStderrBuffer starts a goroutine that drains r until EOF.
func NewStderrBuffer(r io.Reader, logger *zap.Logger) *StderrBuffer {
	b := &StderrBuffer{
		lines:    make([]string, defaultStderrLines),
		capacity: defaultStderrLines,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go b.drain(r)
	return b
}

func (b *StderrBuffer) drain(r io.Reader) {
	defer close(b.done)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		b.logger.Debug("child stderr", zap.String("line", line))
		b.append(line)
	}
	if err := sc.Err(); err != nil {
		b.logger.Debug("child stderr read error", zap.Error(err))
	}
}

func (b *StderrBuffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		// Overwrite the oldest entry.
		b.lines[b.head] = line
		b.head = (b.head + 1) % b.capacity
		b.discarded++
		return
	}
	b.lines[(b.head+b.count)%b.capacity] = line
	b.count++
}

// Tail returns up to n of the most recent stderr lines, oldest first.
func (b *StderrBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	out := make([]string, 0, n)
	start := b.count - n
	for i := start; i < b.count; i++ {
		out = append(out, b.lines[(b.head+i)%b.capacity])
	}
	return out
}

// Discarded reports how many lines have been dropped to overflow.
func (b *StderrBuffer) Discarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

// Done is closed when the stderr stream has reached EOF.
func (b *StderrBuffer) Done() <-chan struct{} {
	return b.done
}
