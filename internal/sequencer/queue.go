package sequencer

import (
	"sync"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// queueTable holds the rows waiting for each sender. A sender has an entry
// exactly while one worker is draining it; the entry is removed when the
// worker finds it empty.
type queueTable struct {
	mu     sync.Mutex
	queues map[string][]models.IncomingMessage
}

func newQueueTable() *queueTable {
	return &queueTable{queues: make(map[string][]models.IncomingMessage)}
}

// push appends msgs to the sender's queue in order. It reports true when no
// worker owns the queue yet and the caller must start one.
func (t *queueTable) push(sender string, msgs []models.IncomingMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, running := t.queues[sender]
	t.queues[sender] = append(q, msgs...)
	return !running
}

// next pops the oldest row for sender. When the queue is empty the entry is
// removed and the worker must exit.
func (t *queueTable) next(sender string) (models.IncomingMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[sender]
	if len(q) == 0 {
		delete(t.queues, sender)
		return models.IncomingMessage{}, false
	}
	msg := q[0]
	if len(q) == 1 {
		t.queues[sender] = nil
	} else {
		t.queues[sender] = q[1:]
	}
	return msg, true
}

// drop discards whatever is still queued for sender and returns the count.
func (t *queueTable) drop(sender string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.queues[sender])
	delete(t.queues, sender)
	return n
}

func (t *queueTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}
