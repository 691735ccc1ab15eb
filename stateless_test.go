package streams

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func NaturalNumbers(max, cap int) Stream[int, int] {
	msgs := make([]Msg[int, int], max)
	for i := range msgs {
		msgs[i] = Msg[int, int]{
			Key:   i,
			Value: i,
		}
	}

	return FromSlice(msgs, cap)
}

func collect[K, V any](s Stream[K, V]) []Msg[K, V] {
	got := []Msg[K, V]{}
	<-s.Foreach(func(m Msg[K, V]) {
		got = append(got, m)
	})
	return got
}

func isEven(m Msg[int, int]) bool {
	return m.Value%2 == 0
}

func TestStream_Filter(t *testing.T) {
	square := func(n int) int {
		return n * n
	}

	got := 0
	sum := func(m Msg[int, int]) {
		got += m.Value
	}

	<-NaturalNumbers(1_000_000, 10).Filter(isEven).MapValues(square).Foreach(sum)

	want := 166666166667000000
	assert.Equal(t, want, got)
}

func TestStream_InverseFilter(t *testing.T) {
	got := collect(NaturalNumbers(6, 2).InverseFilter(isEven))

	assert.Equal(t, []Msg[int, int]{{1, 1}, {3, 3}, {5, 5}}, got)
}

func TestStream_KeepsOrder(t *testing.T) {
	got := collect(NaturalNumbers(10_000, 7).Map(func(m Msg[int, int]) Msg[int, int] {
		return Msg[int, int]{Key: m.Key, Value: m.Value + 1}
	}))

	require.Len(t, got, 10_000)
	for i, m := range got {
		assert.Equal(t, i, m.Key)
		assert.Equal(t, i+1, m.Value)
	}
}

func TestStream_SelectKey(t *testing.T) {
	got := collect(NaturalNumbers(3, 0).SelectKey(func(m Msg[int, int]) int {
		return m.Value * 10
	}))

	assert.Equal(t, []Msg[int, int]{{0, 0}, {10, 1}, {20, 2}}, got)
}

func TestStream_Peek(t *testing.T) {
	seen := 0
	got := collect(NaturalNumbers(5, 1).Peek(func(Msg[int, int]) {
		seen++
	}))

	assert.Len(t, got, 5)
	assert.Equal(t, 5, seen)
}

func TestMapTo(t *testing.T) {
	got := collect(MapTo(NaturalNumbers(3, 1), func(m Msg[int, int]) Msg[string, string] {
		return Msg[string, string]{
			Key:   strconv.Itoa(m.Key),
			Value: strconv.Itoa(m.Value * m.Value),
		}
	}))

	assert.Equal(t, []Msg[string, string]{{"0", "0"}, {"1", "1"}, {"2", "4"}}, got)
}

func TestFlatMapTo(t *testing.T) {
	repeat := func(m Msg[int, int], e func(Msg[string, int])) {
		for i := 0; i < m.Value; i++ {
			e(Msg[string, int]{Key: strconv.Itoa(m.Key), Value: i})
		}
	}

	got := collect(FlatMapTo(NaturalNumbers(4, 1), repeat))

	assert.Equal(t, []Msg[string, int]{
		{"1", 0},
		{"2", 0}, {"2", 1},
		{"3", 0}, {"3", 1}, {"3", 2},
	}, got)
}

func TestProcess_ForwardsCommitAfterMessages(t *testing.T) {
	ch := make(chan Msg[int, int], 10)
	commitCh := make(chan struct{}, 1)
	in := Stream[int, int]{ch: ch, commitCh: commitCh}

	out := in.Filter(isEven)

	for i := 0; i < 10; i++ {
		ch <- Msg[int, int]{Key: i, Value: i}
	}
	commitCh <- struct{}{}

	<-out.commitCh
	require.Len(t, out.ch, 5)
	for i := 0; i < 5; i++ {
		m := <-out.ch
		assert.Equal(t, i*2, m.Value)
	}

	close(ch)
	close(commitCh)

	_, ok := <-out.commitCh
	assert.False(t, ok)
	_, ok = <-out.ch
	assert.False(t, ok)
}

func TestCodecs(t *testing.T) {
	assert.Equal(t, "text", DecodeString(EncodeString("text")))
	assert.Equal(t, []byte{1, 2}, EncodeByteArray(DecodeByteArray([]byte{1, 2})))
}
