package streams

// Stream is an ordered sequence of messages interleaved with commit tokens.
// A commit token travels behind every message that was sent before it.
type Stream[K, V any] struct {
	app      *StreamingApplication
	ch       <-chan Msg[K, V]
	commitCh <-chan struct{}
}

// Msg is a single key/value record.
type Msg[K, V any] struct {
	Key   K
	Value V
}

// FromSlice streams msgs, follows them with one commit token and ends the stream.
func FromSlice[K, V any](msgs []Msg[K, V], cap int) Stream[K, V] {
	ch := make(chan Msg[K, V], cap)
	commitCh := make(chan struct{}, 1)
	stream := Stream[K, V]{
		ch:       ch,
		commitCh: commitCh,
	}

	go func() {
		for _, m := range msgs {
			ch <- m
		}

		close(ch)
		commitCh <- struct{}{}
		close(commitCh)
	}()

	return stream
}
