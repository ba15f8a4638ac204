// Package sharder fans host-side compute out across a pool of AI-CPU cores.
//
// A [Sharder] splits an iteration space into contiguous shards
// ([Sharder.ParallelFor]), or one shard per core index
// ([Sharder.ParallelForHash]), and hands them to a [Dispatcher], which is
// implemented by the surrounding scheduler (see the compute package). If
// dispatch fails, every shard that was not picked up by a worker runs on the
// calling goroutine, so callers always get a complete result, at the cost of
// parallelism.
//
// Shards run inside a failure boundary: a panic is recovered at the execution
// site, logged as a [ShardPanicError], and discarded. The shard still counts
// as complete, so ParallelFor cannot deadlock on a failed worker, though that
// shard's output may be partially written.
package sharder
