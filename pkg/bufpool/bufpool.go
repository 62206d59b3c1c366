// Package bufpool recycles the byte slices used to stream request and
// response bodies. Every upload and download goes through an io.Copy; pooling
// the copy buffers keeps a busy gateway from churning the garbage collector.
package bufpool

import "sync"

// CopySize is the buffer size used for streaming copies. Large enough to
// saturate a disk or S3 connection, small enough to pool thousands of them.
const CopySize = 64 << 10

var copyPool = sync.Pool{
	New: func() any {
		buf := make([]byte, CopySize)
		return &buf
	},
}

// GetCopyBuffer returns a CopySize buffer for io.CopyBuffer. Return it with
// PutCopyBuffer when the copy is done.
func GetCopyBuffer() []byte {
	return *copyPool.Get().(*[]byte)
}

// PutCopyBuffer returns a buffer obtained from GetCopyBuffer to the pool.
// Foreign buffers are dropped rather than pooled.
func PutCopyBuffer(buf []byte) {
	if cap(buf) != CopySize {
		return
	}
	buf = buf[:cap(buf)]
	copyPool.Put(&buf)
}
