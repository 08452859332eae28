// Package shm holds the shared coordination record of a data file.
//
// Every canonical data path maps to one segment file, swmr_<fnv64a hex>,
// in a shm directory (/dev/shm when present). The file stores a fixed
// little-endian [State]: the writer state enum, the reader census, the
// flush flag, a reference count and a bounded process registry.
//
// # Locking
//
// The segment mutex is an exclusive flock on the segment file taken by
// [Segment.Update], [Segment.View] and [Segment.Await]. Creating,
// attaching, detaching and destroying a segment, and any other change to
// RefCount, additionally hold the [GlobalLock] of the directory. The lock
// order is always global lock first.
//
// # Broadcast
//
// Every committed change bumps Seq and rewrites the file. Waiters in
// other processes wake through fsnotify, waiters in this process through
// a direct fire of the [Notifier], and everybody polls as a fallback.
// Waiters always re-check their predicate, so stray wakeups are harmless.
package shm
