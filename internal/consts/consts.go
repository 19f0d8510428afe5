package consts

// DefaultRoom is the collection room every task event targets. The client
// joins it explicitly; the mutation path publishes to it.
const DefaultRoom = "tasks"

// EventsChannel is the Redis pub/sub channel carrying mutation envelopes
// between server instances.
const EventsChannel = "taskroom:events"

// TasksKeyPrefix prefixes cached task collections, keyed by room.
const TasksKeyPrefix = "tasks:"

// DedupeKeyPrefix prefixes recorded idempotency keys.
const DedupeKeyPrefix = "dedupe:"
