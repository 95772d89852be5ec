package packet

import "sync"

// bufPool is the process-wide pool of payload buffers. Rent/return
// must be balanced; double-return is a defect, guarded here with a released
// flag per payload.
var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// payload is an owned-buffer sum type: a Packet either owns a
// small inline array (payloads <= inlineThreshold) or holds a buffer rented
// from bufPool. Exactly one of the two branches is active at a time.
type payload struct {
	inline   [inlineThreshold]byte
	inlineN  int
	pooled   *[]byte
	released bool
}

func (p *payload) set(body []byte) {
	p.released = false
	if len(body) <= inlineThreshold {
		p.pooled = nil
		p.inlineN = copy(p.inline[:], body)
		return
	}
	buf := bufPool.Get().(*[]byte)
	*buf = append((*buf)[:0], body...)
	p.pooled = buf
	p.inlineN = 0
}

func (p *payload) bytes() []byte {
	if p.pooled != nil {
		return *p.pooled
	}
	return p.inline[:p.inlineN]
}

func (p *payload) len() int {
	if p.pooled != nil {
		return len(*p.pooled)
	}
	return p.inlineN
}

// release returns a pooled buffer exactly once. Subsequent calls are no-ops,
// preventing a double-return into bufPool.
func (p *payload) release() {
	if p.released {
		return
	}
	p.released = true
	if p.pooled != nil {
		buf := p.pooled
		p.pooled = nil
		bufPool.Put(buf)
	}
}
