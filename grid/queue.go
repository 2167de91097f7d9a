// Implements the CommandQueue, which holds control commands waiting for the
// next tick. Producers on any goroutine push; only the tick loop drains.

package grid

import "sync"

// CommandQueue is an unbounded FIFO safe for concurrent push and drain.
// No backpressure is applied: a pathological producer can grow the queue
// arbitrarily, which is the accepted tradeoff for never blocking callers.
type CommandQueue struct {
	mu    sync.Mutex
	queue []Command
}

// Push appends a command to the back of the queue.
func (q *CommandQueue) Push(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, cmd)
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// DrainN removes and returns up to n commands from the front of the queue in
// FIFO order. The tick loop calls it with the depth observed at tick start,
// so commands arriving mid-drain wait for the next tick.
func (q *CommandQueue) DrainN(n int) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.queue) {
		n = len(q.queue)
	}
	if n <= 0 {
		return nil
	}
	drained := make([]Command, n)
	copy(drained, q.queue[:n])
	q.queue = q.queue[n:]
	return drained
}
