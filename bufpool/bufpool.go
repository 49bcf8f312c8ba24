// Package bufpool provides a pool of reusable byte buffers for
// encoding request bodies.
package bufpool

import (
	"bytes"
	"sync"
)

type Pool struct {
	p sync.Pool
}

func New() *Pool {
	return &Pool{
		p: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

func (p *Pool) Get() *bytes.Buffer {
	return p.p.Get().(*bytes.Buffer)
}

// Put resets the buffer and returns it to the pool.
func (p *Pool) Put(b *bytes.Buffer) {
	b.Reset()
	p.p.Put(b)
}
