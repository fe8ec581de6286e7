// Package transport implements the line-framed stdio transport between the
// orchestrator and a single child process. One message is exactly one line of
// UTF-8 terminated by '\n'; stderr is diagnostics only and never interpreted
// as a message.
//
// Ownership: the process supervisor creates one Transport per child from the
// child's stdin/stdout pipes and is the only component allowed to close it.
// The JSON-RPC client consumes Messages() and calls Send(); it never touches
// the underlying pipes.
package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Send after the transport has been closed or
	// the child's stdin pipe has gone away.
	ErrClosed = errors.New("transport: closed")

	// ErrBackpressure is returned by Send when the outbound queue stays full
	// for longer than the configured threshold. The caller may retry.
	ErrBackpressure = errors.New("transport: send queue full")
)

const (
	// sendQueueLen bounds the outbound queue. Writes block once the queue is
	// full and fail with ErrBackpressure after sendTimeout.
	sendQueueLen = 64

	// sendTimeout is how long Send waits on a full queue before giving up.
	sendTimeout = 1 * time.Second

	// maxLineBytes bounds a single inbound message. Lines beyond this are
	// oversized protocol violations, not legitimate tool output.
	maxLineBytes = 8 << 20 // 8 MiB

	// closeDrain bounds how long Close waits for the reader to drain
	// remaining stdout lines before releasing the handle.
	closeDrain = 2 * time.Second
)

// Transport frames messages over a child's stdio pipes. Create with New;
// the zero value is not usable.
type Transport struct {
	stdin  io.WriteCloser
	logger *zap.Logger

	// messages carries complete inbound lines. Closed by the reader
	// goroutine when stdout reaches EOF.
	messages chan []byte

	// sendq carries outbound lines to the writer goroutine. Senders never
	// write to stdin directly, so write ordering is the queue ordering.
	sendq chan []byte

	// closed is closed exactly once, by whichever of Close or the writer
	// goroutine observes the stream going away first.
	closed    chan struct{}
	closeOnce sync.Once

	// readerDone is closed when the reader goroutine exits (stdout EOF).
	readerDone chan struct{}
}

// New builds a Transport over the given pipes and starts its reader and
// writer goroutines. stdout is the child's standard output (our inbound
// direction), stdin the child's standard input (our outbound direction).
func New(stdin io.WriteCloser, stdout io.Reader, logger *zap.Logger) *Transport {
	t := &Transport{
		stdin:      stdin,
		logger:     logger,
		messages:   make(chan []byte, 32),
		sendq:      make(chan []byte, sendQueueLen),
		closed:     make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.writeLoop()
	return t
}

// Send queues one message for transmission. The trailing newline is appended
// here — callers pass the bare payload. Fails with ErrClosed once the stream
// is gone and with ErrBackpressure when the queue stays full past the
// threshold.
func (t *Transport) Send(payload []byte) error {
	// Copy before queueing: the caller may reuse its buffer.
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case t.sendq <- line:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-timer.C:
		return ErrBackpressure
	}
}

// Messages returns the inbound message channel. The channel is closed when
// the child's stdout reaches EOF or the transport is closed. Each element is
// one complete line without its terminator.
func (t *Transport) Messages() <-chan []byte {
	return t.messages
}

// Closed returns a channel that is closed once the transport is no longer
// usable, whether by Close or by the stream going away.
func (t *Transport) Closed() <-chan struct{} {
	return t.closed
}

// Close shuts the transport down. It closes the child's stdin (the usual way
// to tell a well-behaved stdio server to exit), waits up to a bounded
// deadline for the reader to drain remaining stdout lines, then returns.
// Idempotent: subsequent calls are no-ops.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if err := t.stdin.Close(); err != nil {
			t.logger.Debug("closing child stdin", zap.Error(err))
		}
	})

	select {
	case <-t.readerDone:
	case <-time.After(closeDrain):
		t.logger.Warn("timed out draining child stdout on close")
	}
	return nil
}

// readLoop reads stdout line by line and emits complete messages. Invalid
// UTF-8 fails the line, not the transport. A partial trailing fragment at
// EOF is discarded with a warning.
func (t *Transport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)
	defer close(t.messages)

	r := bufio.NewReaderSize(stdout, 64<<10)
	for {
		line, err := readLine(r)
		if len(line) > 0 && err == nil {
			if !utf8.Valid(line) {
				t.logger.Warn("dropping non-UTF-8 line from child",
					zap.Int("bytes", len(line)))
				continue
			}
			select {
			case t.messages <- line:
			case <-t.closed:
				// Receiver is gone; keep draining so the child does not
				// block on a full stdout pipe until Close's deadline.
				continue
			}
			continue
		}
		if err != nil {
			if len(line) > 0 {
				t.logger.Warn("discarding partial line at stream end",
					zap.Int("bytes", len(line)))
			}
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("child stdout read error", zap.Error(err))
			}
			return
		}
	}
}

// readLine reads one newline-terminated line, tolerating lines longer than
// the bufio buffer, and enforcing maxLineBytes. The returned slice does not
// include the terminator.
func readLine(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadSlice('\n')
		buf.Write(chunk)
		if err == nil {
			b := buf.Bytes()
			return bytes.TrimRight(b, "\r\n"), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if buf.Len() > maxLineBytes {
				return nil, errors.New("transport: line exceeds maximum size")
			}
			continue
		}
		return bytes.TrimRight(buf.Bytes(), "\r\n"), err
	}
}

// writeLoop serialises all writes to the child's stdin.
func (t *Transport) writeLoop() {
	for {
		select {
		case line := <-t.sendq:
			if _, err := t.stdin.Write(line); err != nil {
				t.logger.Debug("child stdin write failed", zap.Error(err))
				t.closeOnce.Do(func() {
					close(t.closed)
					_ = t.stdin.Close()
				})
				return
			}
		case <-t.closed:
			return
		}
	}
}
