package dllist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushFrontBackOrdering(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	l.PushFront(0)

	got := collect(&l)
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 3, l.Len())
}

func TestRemoveUnlinksAndUpdatesEnds(t *testing.T) {
	var l List[string]
	a := l.PushBack("a")
	b := l.PushBack("b")
	c := l.PushBack("c")

	assert.Equal(t, "b", l.Remove(b))
	assert.Equal(t, []string{"a", "c"}, collect(&l))
	assert.Equal(t, a, l.Front())
	assert.Equal(t, c, l.Back())

	assert.Equal(t, "a", l.Remove(a))
	assert.Equal(t, "c", l.Remove(c))
	assert.Equal(t, 0, l.Len())
	assert.Nil(t, l.Front())
	assert.Nil(t, l.Back())
}

func TestRemoveIsNoopOnAlreadyRemovedNode(t *testing.T) {
	var l List[int]
	n := l.PushBack(42)
	l.Remove(n)
	require.Equal(t, 0, l.Len())

	assert.Equal(t, 42, l.Remove(n))
	assert.Equal(t, 0, l.Len())
}

func TestRemoveWrongListPanics(t *testing.T) {
	var l1, l2 List[int]
	n := l1.PushBack(1)
	assert.Panics(t, func() { l2.Remove(n) })
}

func TestMoveToTransfersNodeToFrontOfDestination(t *testing.T) {
	var src, dst List[int]
	src.PushBack(1)
	n := src.PushBack(2)
	dst.PushBack(99)

	MoveTo(n, &src, &dst)

	assert.Equal(t, []int{1}, collect(&src))
	assert.Equal(t, []int{2, 99}, collect(&dst))
}

func collect(l *List[int]) []int {
	var out []int
	l.Each(func(n *Node[int]) bool {
		out = append(out, n.Value)
		return true
	})
	return out
}

func TestEachStopsEarly(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)

	var seen []int
	l.Each(func(n *Node[int]) bool {
		seen = append(seen, n.Value)
		return n.Value != 2
	})
	assert.Equal(t, []int{1, 2}, seen)
}
