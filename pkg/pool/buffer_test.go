package pool

import (
	"testing"
)

func TestFixedBufferPool(t *testing.T) {
	t.Run("Get returns a buffer of the configured size", func(t *testing.T) {
		fp := NewFixedBuffer(1024)
		b := fp.Get()
		if b == nil {
			t.Fatal("Get returned nil")
		}
		if len(*b) != 1024 || cap(*b) != 1024 {
			t.Errorf("expected len/cap 1024, got len=%d cap=%d", len(*b), cap(*b))
		}
		fp.Put(b)
	})

	t.Run("Put restores a shortened slice to full length", func(t *testing.T) {
		fp := NewFixedBuffer(512)
		b := fp.Get()
		*b = (*b)[:10]
		fp.Put(b)

		b2 := fp.Get()
		if len(*b2) != 512 {
			t.Errorf("expected recycled buffer at full length 512, got %d", len(*b2))
		}
	})

	t.Run("Put rejects foreign sizes and nil", func(t *testing.T) {
		fp := NewFixedBuffer(256)
		foreign := make([]byte, 300)
		fp.Put(&foreign) // must not panic or poison the pool
		fp.Put(nil)

		b := fp.Get()
		if cap(*b) != 256 {
			t.Errorf("pool handed out a foreign buffer with cap %d", cap(*b))
		}
	})
}
