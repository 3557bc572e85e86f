// Package scheduler implements a small generic worker pool: a fixed
// number of goroutines drain a queue of submitted tasks, each task's
// result delivered through a Future.
package scheduler
