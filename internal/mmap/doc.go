// Package mmap maps snapshot files read-only into memory.
//
//	m, err := mmap.Open("snapshots/abc.vps")
//	if err != nil { ... }
//	defer m.Close()
//	data := m.Bytes()
//
// On Unix the file is mapped with mmap(2) and a sequential-access hint.
// Other platforms read the file into a heap buffer so the API stays the same.
//
// A Mapping is safe for concurrent reads. Close is idempotent; callers must
// not touch Bytes() after Close returns.
package mmap
