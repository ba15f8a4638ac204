// Package taskqueue implements the software queues shared by the AI-CPU
// worker threads: a capacity-limited FIFO of deferred closures
// ([BoundedQueue]), and a table of shard batches keyed by parallel id
// ([ShardBatchTable]), which allows at most one outstanding (non-empty) batch
// per id.
//
// All methods are safe for concurrent use. Each queue is guarded by its own
// mutex, and no operation holds more than one of them.
package taskqueue
