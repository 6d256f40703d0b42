// Package unboundedchan provides a growable-buffer channel so a slow or
// stalled consumer never blocks the sender, the way the daemon event loop
// (spec.md §5) requires of subscriber and drop-notification sinks: the
// loop is the only writer into a node's event stream and must never
// suspend waiting for that node to drain it.
package unboundedchan

// Chan is a FIFO queue between one or more senders and one receiver. Send
// enqueues in O(1) and never blocks on the receiver; values accumulate in
// an in-memory slice, bounded only by available memory, until Out is read.
type Chan[T any] struct {
	in  chan T
	out chan T
}

// New starts a Chan's relay goroutine and returns it ready for use.
func New[T any]() *Chan[T] {
	c := &Chan[T]{
		in:  make(chan T, 16),
		out: make(chan T),
	}
	go c.run()
	return c
}

// In is the send side, handed to producers.
func (c *Chan[T]) In() chan<- T { return c.in }

// Out is the receive side, ranged over by the single consumer.
func (c *Chan[T]) Out() <-chan T { return c.out }

// Close signals no further values will be sent. It is safe to call at most
// once and must not race with a concurrent In() send.
func (c *Chan[T]) Close() { close(c.in) }

func (c *Chan[T]) run() {
	var queue []T
	defer close(c.out)
	for {
		if len(queue) == 0 {
			v, ok := <-c.in
			if !ok {
				return
			}
			queue = append(queue, v)
			continue
		}
		select {
		case v, ok := <-c.in:
			if !ok {
				for _, q := range queue {
					c.out <- q
				}
				return
			}
			queue = append(queue, v)
		case c.out <- queue[0]:
			queue = queue[1:]
		}
	}
}
