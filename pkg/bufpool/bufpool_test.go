package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCopyBuffer(t *testing.T) {
	buf := GetCopyBuffer()
	assert.Len(t, buf, CopySize)
	PutCopyBuffer(buf)
}

func TestPutForeignBuffer(t *testing.T) {
	// Must not panic or pollute the pool.
	PutCopyBuffer(nil)
	PutCopyBuffer(make([]byte, 10))

	buf := GetCopyBuffer()
	assert.Len(t, buf, CopySize)
}

func TestReuse(t *testing.T) {
	buf := GetCopyBuffer()
	buf[0] = 0xff
	PutCopyBuffer(buf[:1])

	again := GetCopyBuffer()
	assert.Len(t, again, CopySize)
}
