package spool

// Open returns the durable badger-backed Spool at dir when durable is
// true, or a MemorySpool otherwise. Callers (cmd/edgebot) select durable
// from config's buffer.disk_buffer setting. maxCount enforces
// buffer.max_size, the in-memory event-count cap that applies
// regardless of durability mode.
func Open(dir string, maxBytes int64, maxCount int, durable bool) (Spool, error) {
	if !durable {
		return NewMemorySpool(maxBytes, maxCount), nil
	}
	return OpenBadgerSpool(dir, maxBytes, maxCount)
}
