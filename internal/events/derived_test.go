package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerive_RecomputesOnDependencyChange(t *testing.T) {
	a := NewBeacon(1)
	b := NewBeacon(10)

	sum := Derive(func() int { return a.Value() + b.Value() }, a, b)
	assert.Equal(t, 11, sum.Value())

	var got []int
	sum.Listen(func(v int) { got = append(got, v) })

	a.Set(2)
	b.Set(20)
	assert.Equal(t, []int{11, 12, 22}, got)
}

func TestDerive_OnlyNotifiesOnChange(t *testing.T) {
	n := NewBeacon(1)
	parity := Derive(func() bool { return n.Value()%2 == 0 }, n)

	var got []bool
	parity.Listen(func(v bool) { got = append(got, v) })

	n.Set(3)
	n.Set(5)
	n.Set(6)
	assert.Equal(t, []bool{false, true}, got)
}

func TestDerive_WatchObservable(t *testing.T) {
	src := NewBeacon("a")
	length := Derive(func() int { return len(src.Value()) }, Watch[string](src.ReadOnly()))

	src.Set("abc")
	assert.Equal(t, 3, length.Value())
}

func TestDerive_Dispose(t *testing.T) {
	src := NewBeacon(1)
	double := Derive(func() int { return src.Value() * 2 }, src)
	assert.Equal(t, 1, src.ListenerCount())

	double.Dispose()
	double.Dispose()
	assert.Equal(t, 0, src.ListenerCount())

	src.Set(5)
	assert.Equal(t, 2, double.Value())
}
