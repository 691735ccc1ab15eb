package streams

// FlatMapTo creates 0-N messages of a new type per message.
func FlatMapTo[K, V, OutK, OutV any](s Stream[K, V], f func(m Msg[K, V], e func(Msg[OutK, OutV]))) Stream[OutK, OutV] {
	task := func(ch chan<- Msg[OutK, OutV], msg Msg[K, V]) {
		e := func(m Msg[OutK, OutV]) {
			ch <- m
		}

		f(msg, e)
	}

	return Process(s, task)
}

// MapTo uses m to compute a message of a new type per message.
func MapTo[K, V, OutK, OutV any](s Stream[K, V], m func(m Msg[K, V]) Msg[OutK, OutV]) Stream[OutK, OutV] {
	task := func(ch chan<- Msg[OutK, OutV], msg Msg[K, V]) {
		ch <- m(msg)
	}

	return Process(s, task)
}

// Process executes the task per message and creates a new stream.
// Messages keep their order. A commit token is forwarded only after every
// message received before it went through the task.
func Process[K, V, OutK, OutV any](s Stream[K, V], t func(ch chan<- Msg[OutK, OutV], m Msg[K, V])) Stream[OutK, OutV] {
	ch := make(chan Msg[OutK, OutV], cap(s.ch))
	commitCh := make(chan struct{}, 1)
	stream := Stream[OutK, OutV]{
		app:      s.app,
		ch:       ch,
		commitCh: commitCh,
	}

	go func() {
		defer close(commitCh)
		defer close(ch)

		in := s.ch
		for {
			select {
			case msg, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				t(ch, msg)

			case _, ok := <-s.commitCh:
				for len(in) > 0 {
					t(ch, <-in)
				}

				if !ok {
					return
				}
				commitCh <- struct{}{}
			}
		}
	}()

	return stream
}
