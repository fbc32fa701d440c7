package relay

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtls-vision/vlessd/internal/bufpool"
)

type countingSink struct {
	mu   sync.Mutex
	up   int64
	down int64
}

func (s *countingSink) Add(dir Direction, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir == Upload {
		s.up += n
	} else {
		s.down += n
	}
}

// Invariant 2 from spec.md §8: the target receives exactly remaining ‖ S.
func TestRunForwardsRemainingThenUpload(t *testing.T) {
	clientSide, clientRemote := net.Pipe()
	targetSide, targetRemote := net.Pipe()
	pool := bufpool.New(1024, 2)

	remaining := []byte("Hello")
	sink := &countingSink{}

	go func() {
		_ = Run(clientRemote, targetRemote, remaining, func() {
			_ = clientRemote.Close()
			_ = targetRemote.Close()
		}, Options{Pool: pool, Sink: sink})
	}()

	received := make([]byte, 0, 32)
	readDone := make(chan struct{})
	go func() {
		buf := make([]byte, 32)
		for len(received) < 11 {
			n, err := targetSide.Read(buf)
			received = append(received, buf[:n]...)
			if err != nil {
				break
			}
		}
		close(readDone)
	}()

	_, err := clientSide.Write([]byte(" World"))
	require.NoError(t, err)

	select {
	case <-readDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for target to receive bytes")
	}

	assert.Equal(t, "Hello World", string(received))

	_ = clientSide.Close()
	_ = targetSide.Close()
}

func TestCopyDirectionEOFIsClean(t *testing.T) {
	pool := bufpool.New(64, 1)
	src := bytes.NewReader([]byte("abc"))
	var dst bytes.Buffer
	err := copyDirection(&dst, src, nil, pool, Upload, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", dst.String())
}

func TestCopyDirectionPropagatesWriteError(t *testing.T) {
	pool := bufpool.New(64, 1)
	src := bytes.NewReader([]byte("abc"))
	err := copyDirection(failingWriter{}, src, nil, pool, Upload, nil, 0)
	assert.Error(t, err)
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}

func TestAccountingFlushesOnBatchBoundary(t *testing.T) {
	pool := bufpool.New(4, 1)
	src := bytes.NewReader([]byte("01234567"))
	var dst bytes.Buffer
	sink := &countingSink{}

	err := copyDirection(&dst, src, nil, pool, Upload, sink, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(8), sink.up)
}
