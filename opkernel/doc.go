// Package opkernel implements the queue transfer kernels of the model
// pipeline: moving driver-managed buffers between hardware queues, and
// the prepare / postpare stages that bracket each graph iteration.
//
// Kernels never block on a queue. A kernel that cannot make progress
// registers the calling stream with the wait manager, and returns a
// Pending Progress. The scheduler must invoke it again, with the same
// parameters, once the stream is activated. Per-model cursors make the
// re-invocation resume exactly where the previous one stopped.
//
// Parameter blocks are read from device memory (hal.Memory), and every
// address list is accessed through a bounds-checked view, validated before
// any side effect.
package opkernel
