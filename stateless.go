package streams

// Filterer decides whether a message stays in the stream.
type Filterer[K, V any] func(m Msg[K, V]) bool

// Filter keeps the messages f accepts.
func (s Stream[K, V]) Filter(f Filterer[K, V]) Stream[K, V] {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		if f(msg) {
			ch <- msg
		}
	}

	return s.process(task)
}

// InverseFilter drops the messages f accepts.
func (s Stream[K, V]) InverseFilter(f Filterer[K, V]) Stream[K, V] {
	inverse := func(m Msg[K, V]) bool {
		return !f(m)
	}
	return s.Filter(inverse)
}

// Foreacher consumes a message.
type Foreacher[K, V any] func(Msg[K, V])

// Foreach calls f for every message and terminates the stream.
// The returned channel is closed once the stream has ended.
func (s Stream[K, V]) Foreach(f Foreacher[K, V]) <-chan struct{} {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		f(msg)
	}

	stream := s.process(task)
	done := make(chan struct{})

	// Foreach does not return a stream to be further processed.
	// This loop terminates the accumulated commit messages.
	go func() {
		defer close(done)
		for range stream.commitCh {
		}
	}()

	return done
}

// Mapper computes a new message per message.
type Mapper[K, V any] func(m Msg[K, V]) Msg[K, V]

// Map replaces every message with m(message).
func (s Stream[K, V]) Map(m Mapper[K, V]) Stream[K, V] {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		ch <- m(msg)
	}

	return s.process(task)
}

// ValuesMapper computes a new value per value.
type ValuesMapper[V any] func(v V) V

// MapValues replaces every value with m(value) while keeping the key.
func (s Stream[K, V]) MapValues(m ValuesMapper[V]) Stream[K, V] {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		msg.Value = m(msg.Value)
		ch <- msg
	}

	return s.process(task)
}

// Peeker observes a message without changing it.
type Peeker[K, V any] func(Msg[K, V])

// Peek calls p for every message and passes the message on.
func (s Stream[K, V]) Peek(p Peeker[K, V]) Stream[K, V] {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		p(msg)
		ch <- msg
	}

	return s.process(task)
}

// KeySelector computes a new key per message.
type KeySelector[K, V any] func(m Msg[K, V]) K

// SelectKey replaces every key with k(message) while keeping the value.
func (s Stream[K, V]) SelectKey(k KeySelector[K, V]) Stream[K, V] {
	task := func(ch chan<- Msg[K, V], msg Msg[K, V]) {
		ch <- Msg[K, V]{
			Key:   k(msg),
			Value: msg.Value,
		}
	}

	return s.process(task)
}

func (s Stream[K, V]) process(t func(ch chan<- Msg[K, V], m Msg[K, V])) Stream[K, V] {
	return Process(s, t)
}
