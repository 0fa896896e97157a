package harborlib

import (
	"sync"
	"sync/atomic"
	"time"
)

var transactionPool = &TransactionPool{sp: sync.Pool{}}

// Transaction is a single-request handle on a shared Conn: a permit to
// write once, then read once, in the order the pool issued it. It is
// created by Pool.Acquire in the Writing state and must not be used
// after CloseRead or Close returns.
type Transaction struct {
	conn *Conn
	seq  int // conn.writeCount captured at creation

	writeClosed bool
	readClosed  bool
}

type TransactionPool struct {
	sp sync.Pool
	m  PoolMetrics
}

func (p *TransactionPool) acquire(conn *Conn, seq int) *Transaction {
	v := p.sp.Get()
	if v == nil {
		v = &Transaction{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}

	t := v.(*Transaction)
	t.conn = conn
	t.seq = seq
	t.writeClosed = false
	t.readClosed = false
	return t
}

func (p *TransactionPool) release(t *Transaction) {
	t.conn = nil
	p.sp.Put(t)
	atomic.AddUint32(&p.m.np, uint32(1))
}

// IsWritable reports whether this transaction currently owns the write
// side of its connection.
func (t *Transaction) IsWritable() bool {
	p := t.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.isWritableLocked()
}

// IsReadable reports whether this transaction currently owns the read
// side of its connection and it is its turn in the response queue.
func (t *Transaction) IsReadable() bool {
	p := t.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.isReadableLocked()
}

func (t *Transaction) isWritableLocked() bool {
	return t.conn.writeBusy && t.conn.writeCount == t.seq
}

func (t *Transaction) isReadableLocked() bool {
	return t.conn.reader == t && t.conn.readCount == t.seq
}

// Write forwards request bytes to the stream. I/O errors propagate
// unchanged; the caller is expected to Close on failure.
func (t *Transaction) Write(p []byte) (int, error) {
	if !t.IsWritable() {
		panic("harbor: write on a transaction that is not writable")
	}
	return t.conn.stream.Write(p)
}

// CloseWrite marks the request fully written, releases the write side
// and wakes every pool waiter.
func (t *Transaction) CloseWrite() {
	p := t.conn.pool
	p.mu.Lock()
	if !t.isWritableLocked() {
		p.mu.Unlock()
		panic("harbor: close write on a transaction that is not writable")
	}
	t.conn.writeCount++
	t.conn.writeBusy = false
	t.writeClosed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// StartRead blocks until every earlier response on the connection has
// been fully read, then takes the read lock. Responses are handed to
// transactions strictly in the order their requests were written.
func (t *Transaction) StartRead() {
	p := t.conn.pool
	p.mu.Lock()
	if t.isReadableLocked() {
		p.mu.Unlock()
		panic("harbor: start read on a transaction that is already readable")
	}
	for t.conn.reader != nil || t.conn.readCount != t.seq {
		p.cond.Wait()
	}
	t.conn.reader = t
	t.conn.timestamp = time.Now()
	p.mu.Unlock()
}

func (t *Transaction) EnsureReadable() {
	if !t.IsReadable() {
		t.StartRead()
	}
}

// ReadAvailable returns the excess bytes pushed back by a previous
// reader when present, otherwise whatever the stream can produce. The
// returned slice is only valid until the next call.
func (t *Transaction) ReadAvailable() ([]byte, error) {
	p := t.conn.pool
	p.mu.Lock()
	if !t.isReadableLocked() {
		p.mu.Unlock()
		panic("harbor: read on a transaction that is not readable")
	}
	if b := t.conn.takeExcess(); b != nil {
		t.conn.timestamp = time.Now()
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	b, err := t.conn.stream.ReadAvailable()

	p.mu.Lock()
	t.conn.timestamp = time.Now()
	p.mu.Unlock()
	return b, err
}

// Unread hands back bytes that belong to the next response. They are
// returned, ahead of the stream, by the next ReadAvailable on this
// connection.
func (t *Transaction) Unread(b []byte) {
	p := t.conn.pool
	p.mu.Lock()
	if !t.isReadableLocked() {
		p.mu.Unlock()
		panic("harbor: unread on a transaction that is not readable")
	}
	t.conn.setExcess(b)
	p.mu.Unlock()
}

func (t *Transaction) BytesAvailable() int {
	p := t.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.conn.bytesAvailable()
}

// EOF reports end of stream. Buffered or excess bytes always mean more
// input; only then is the stream consulted.
func (t *Transaction) EOF() (bool, error) {
	p := t.conn.pool
	p.mu.Lock()
	if !t.isReadableLocked() && t.conn.stream.IsOpen() {
		p.mu.Unlock()
		panic("harbor: eof on a transaction that is not readable")
	}
	if t.conn.bytesAvailable() > 0 {
		p.mu.Unlock()
		return false, nil
	}
	p.mu.Unlock()
	return t.conn.stream.EOF()
}

// CloseRead marks the response fully read, releases the read lock and
// wakes every pool waiter.
func (t *Transaction) CloseRead() {
	p := t.conn.pool
	p.mu.Lock()
	if !t.isReadableLocked() {
		p.mu.Unlock()
		panic("harbor: close read on a transaction that is not readable")
	}
	t.conn.readCount++
	t.conn.reader = nil
	t.conn.timestamp = time.Now()
	t.readClosed = true
	p.cond.Broadcast()
	done := t.writeClosed
	p.mu.Unlock()

	if done {
		transactionPool.release(t)
	}
}

// Close tears down the underlying stream. A pending write is counted as
// written; if this transaction holds, or can immediately take, its read
// turn, the stream is purged and the read is counted so the connection
// does not owe a response to a reader that will never collect it. A pool
// sweep removes the connection once its read count reaches its write
// count.
func (t *Transaction) Close() {
	p := t.conn.pool
	p.mu.Lock()
	c := t.conn
	_ = c.stream.Close()
	if t.isWritableLocked() {
		c.writeCount++
		c.writeBusy = false
		t.writeClosed = true
	}
	if !t.readClosed && (c.reader == t || (c.reader == nil && c.readCount == t.seq)) {
		c.purge()
		c.readCount++
		c.reader = nil
		t.readClosed = true
	}
	c.timestamp = time.Now()
	p.cond.Broadcast()
	done := t.writeClosed && t.readClosed
	p.mu.Unlock()

	if done {
		transactionPool.release(t)
	}
}

func (t *Transaction) IsOpen() bool { return t.conn.stream.IsOpen() }

// Parser returns the connection's reusable parser slot, populating it
// from the pool's factory on first use.
func (t *Transaction) Parser() Parser {
	p := t.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.conn.parser == nil && p.NewParser != nil {
		t.conn.parser = p.NewParser()
	}
	return t.conn.parser
}

// RawStream exposes the underlying byte stream.
func (t *Transaction) RawStream() Stream { return t.conn.stream }

func (t *Transaction) InactiveSeconds() float64 {
	p := t.conn.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	return t.conn.inactiveSeconds()
}
