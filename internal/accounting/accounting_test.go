package accounting

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xtls-vision/vlessd/internal/relay"
)

func TestSessionSinkCreditsCorrectUserAndDirection(t *testing.T) {
	book := NewBook()
	alice := book.SinkFor("alice@example.com")
	bob := book.SinkFor("bob@example.com")

	alice.Add(relay.Upload, 100)
	alice.Add(relay.Download, 50)
	bob.Add(relay.Upload, 7)

	snap := book.Snapshot()
	assert.Equal(t, Counters{Upload: 100, Download: 50}, snap["alice@example.com"])
	assert.Equal(t, Counters{Upload: 7, Download: 0}, snap["bob@example.com"])
}

func TestSessionSinkIsSafeForConcurrentUse(t *testing.T) {
	book := NewBook()
	sink := book.SinkFor("concurrent@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Add(relay.Upload, 1)
		}()
	}
	wg.Wait()

	snap := book.Snapshot()
	assert.Equal(t, int64(100), snap["concurrent@example.com"].Upload)
}

func TestSnapshotOnEmptyBookIsEmpty(t *testing.T) {
	book := NewBook()
	assert.Empty(t, book.Snapshot())
}
