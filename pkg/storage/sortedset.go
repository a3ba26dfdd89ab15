package storage

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/amicus-social/amicus/pkg/pair"
)

// SortedSet stores a set (no duplicates allowed) of user ids in memory
// in a way that also provides fast sorted access.
type SortedSet interface {
	Size() int
	Add(id pair.UserID)
	Exists(id pair.UserID) bool
	// Values returns the ids in ascending order.
	Values() []pair.UserID
}

type RedBlackTreeSet struct {
	inner *redblacktree.Tree
}

var _ SortedSet = (*RedBlackTreeSet)(nil)

func NewSortedSet() *RedBlackTreeSet {
	return &RedBlackTreeSet{
		inner: redblacktree.NewWithStringComparator(),
	}
}

func (r *RedBlackTreeSet) Add(id pair.UserID) {
	r.inner.Put(string(id), nil)
}

func (r *RedBlackTreeSet) Exists(id pair.UserID) bool {
	_, ok := r.inner.Get(string(id))
	return ok
}

func (r *RedBlackTreeSet) Size() int {
	return r.inner.Size()
}

func (r *RedBlackTreeSet) Values() []pair.UserID {
	values := make([]pair.UserID, 0, r.inner.Size())
	for _, k := range r.inner.Keys() {
		values = append(values, pair.UserID(k.(string)))
	}
	return values
}
