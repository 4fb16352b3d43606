// Package store はプロセス内のキー付きレコードコレクションを提供する。
// コレクションごとに1つのミューテックスで書き込みを直列化し、
// 1リクエスト内の読み書きを1つの原子的な単位として扱う。
package store

import "sync"

// Collection は型Tのレコードを保持するスレッドセーフなコレクション。
// レコードは値として保持するため、呼び出し側が格納済みの状態を直接書き換えることはない。
type Collection[T any] struct {
	mu      sync.RWMutex
	records []T
}

// NewCollection は空のCollectionを生成する。
func NewCollection[T any]() *Collection[T] {
	return &Collection[T]{}
}

// Insert はレコードを末尾に追加する。
func (c *Collection[T]) Insert(rec T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, rec)
}

// Find は述語に最初に一致したレコードを返す。
func (c *Collection[T]) Find(pred func(T) bool) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.records {
		if pred(rec) {
			return rec, true
		}
	}
	var zero T
	return zero, false
}

// Filter は述語に一致したすべてのレコードを挿入順で返す。
func (c *Collection[T]) Filter(pred func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, rec := range c.records {
		if pred(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Upsert は述語に最初に一致したレコードをnextの戻り値で置き換える。
// nextには一致した既存レコードのコピーが渡され、一致しない場合はnilが渡されて戻り値が末尾に追加される。
// 検索と書き込みは同じロック内で行う。置き換えた場合は true を返す。
func (c *Collection[T]) Upsert(pred func(T) bool, next func(existing *T) T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.records {
		if pred(existing) {
			c.records[i] = next(&existing)
			return true
		}
	}
	c.records = append(c.records, next(nil))
	return false
}

// DeleteWhere は述語に一致したレコードをすべて削除し、削除件数を返す。
func (c *Collection[T]) DeleteWhere(pred func(T) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.records[:0]
	deleted := 0
	for _, rec := range c.records {
		if pred(rec) {
			deleted++
			continue
		}
		kept = append(kept, rec)
	}
	// 削除済み要素への参照を残さない
	var zero T
	for i := len(kept); i < len(c.records); i++ {
		c.records[i] = zero
	}
	c.records = kept
	return deleted
}

// Update はコレクション全体の読み取り・計算・書き戻しを1つの原子的な単位として実行する。
// fnにはレコードのコピーが渡され、fnが返したスライスがそのまま新しい内容になる。
// fnがエラーを返した場合は何も書き込まない。
func (c *Collection[T]) Update(fn func(records []T) ([]T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]T, len(c.records))
	copy(snapshot, c.records)

	next, err := fn(snapshot)
	if err != nil {
		return err
	}
	c.records = next
	return nil
}
