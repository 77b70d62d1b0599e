// Package tracker counts in-flight work.
package tracker

import "code.hybscloud.com/atomix"

// Tracker is a concurrency-safe in-flight counter. The zero value is ready
// to use. The count never goes below zero.
type Tracker struct {
	n    atomix.Int64
	peak atomix.Int64
}

// Inc records one more in-flight task and returns the new count.
func (t *Tracker) Inc() int64 {
	n := t.n.Add(1)
	for {
		p := t.peak.Load()
		if n <= p || t.peak.CompareAndSwap(p, n) {
			return n
		}
	}
}

// Dec records a finished task and returns the new count. A Dec without a
// matching Inc leaves the count at zero.
func (t *Tracker) Dec() int64 {
	for {
		n := t.n.Load()
		if n <= 0 {
			return 0
		}
		if t.n.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

// Load returns the current count.
func (t *Tracker) Load() int64 {
	return t.n.Load()
}

// Peak returns the highest count observed.
func (t *Tracker) Peak() int64 {
	return t.peak.Load()
}
