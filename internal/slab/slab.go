// Package slab 提供带空闲链表与代数校验的稠密 arena。
//
// Key 由槽位下标（低 32 位）与代数（高 32 位）组成。槽位被释放时代数递增，
// 因此持有旧 Key 的过期事件查不到新占用者。
package slab

import "math"

// Key 标识 arena 中的一个占用槽位。
type Key uint64

// 槽位数上界；更高的下标留给调用方作保留 token。
var maxSlots = uint64(math.MaxUint32 - 1)

func makeKey(idx, gen uint32) Key { return Key(gen)<<32 | Key(idx) }

func (k Key) Index() uint32 { return uint32(k) }

func (k Key) Gen() uint32 { return uint32(k >> 32) }

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

// Table 是单线程使用的 arena，无锁。
type Table[T any] struct {
	slots []slot[T]
	free  []uint32 // 栈，后进先出
	n     int
}

// New 返回初始容量为 capacity 的 Table。
func New[T any](capacity int) *Table[T] {
	if capacity <= 0 {
		capacity = 1
	}
	t := &Table[T]{}
	t.grow(capacity)
	return t
}

func (t *Table[T]) grow(to int) {
	from := len(t.slots)
	if uint64(to) > maxSlots {
		to = int(maxSlots)
	}
	if to <= from {
		panic("slab: capacity exhausted")
	}
	slots := make([]slot[T], to)
	copy(slots, t.slots)
	t.slots = slots
	// 逆序入栈，低下标先被分配
	for i := to - 1; i >= from; i-- {
		t.free = append(t.free, uint32(i))
	}
}

// Insert 存入 v 并返回其 Key。没有空闲槽位时容量翻倍，从不拒绝。
func (t *Table[T]) Insert(v T) Key {
	if len(t.free) == 0 {
		t.grow(len(t.slots) * 2)
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := &t.slots[idx]
	s.val = v
	s.used = true
	t.n++
	return makeKey(idx, s.gen)
}

func (t *Table[T]) lookup(k Key) *slot[T] {
	idx := k.Index()
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if !s.used || s.gen != k.Gen() {
		return nil
	}
	return s
}

// Get 返回 k 对应的值；k 过期或不存在时 ok 为 false。
func (t *Table[T]) Get(k Key) (v T, ok bool) {
	if s := t.lookup(k); s != nil {
		return s.val, true
	}
	return v, false
}

// Remove 移除 k 并返回原值。槽位代数递增后进入空闲链表。
func (t *Table[T]) Remove(k Key) (v T, ok bool) {
	s := t.lookup(k)
	if s == nil {
		return v, false
	}
	v = s.val
	var zero T
	s.val = zero
	s.used = false
	s.gen++
	t.n--
	t.free = append(t.free, k.Index())
	return v, true
}

// Len 返回占用槽位数。
func (t *Table[T]) Len() int { return t.n }

// Cap 返回当前容量。
func (t *Table[T]) Cap() int { return len(t.slots) }

// Range 按下标顺序遍历占用槽位，fn 返回 false 时停止。
// 遍历期间不得 Insert；Remove 当前 Key 是安全的。
func (t *Table[T]) Range(fn func(Key, T) bool) {
	for i := range t.slots {
		s := &t.slots[i]
		if !s.used {
			continue
		}
		if !fn(makeKey(uint32(i), s.gen), s.val) {
			return
		}
	}
}
