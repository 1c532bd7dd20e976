package keys

// Layout derives every store key from one configurable prefix so the
// subsystem can share a Redis instance with other tenants without
// collisions. Callers never build keys by hand.
type Layout struct {
	prefix string
}

func New(prefix string) Layout {
	return Layout{prefix: prefix}
}

func (l Layout) Prefix() string {
	return l.prefix
}

// Cache is the key for one cache entry.
func (l Layout) Cache(key string) string {
	return l.prefix + "cache:" + key
}

// CachePattern matches every key in the cache namespace.
func (l Layout) CachePattern() string {
	return l.prefix + "cache:*"
}

// Queue is the priority index (sorted set) of one queue.
func (l Layout) Queue(name string) string {
	return l.prefix + "queue:" + name
}

// Job is the detail record of one job, independent of queue membership.
func (l Layout) Job(id string) string {
	return l.prefix + "queue:job:" + id
}

// QueueStats is the per-queue status-count hash.
func (l Layout) QueueStats(name string) string {
	return l.prefix + "queue:" + name + ":stats"
}

// Retry is the due index (sorted set) of jobs awaiting re-enqueue,
// scored by due time in unix milliseconds.
func (l Layout) Retry() string {
	return l.prefix + "retry"
}

// EventChannel is the pub/sub channel for one event channel name.
func (l Layout) EventChannel(channel string) string {
	return l.prefix + "events:" + channel
}

// Session is the key for one session record.
func (l Layout) Session(id string) string {
	return l.prefix + "session:" + id
}
