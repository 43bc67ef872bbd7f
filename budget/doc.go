// Package budget enforces the per-run memory ceiling.
//
// Stages ask a State for bytes before allocating working memory:
//
//	if err := state.Reserve(ctx, chunkSize); err != nil {
//	    return err // ctx done
//	}
//	defer state.Release(chunkSize)
//
// Reserve stalls the caller until a consumer releases bytes, which is how
// producers apply backpressure. TryReserve is the non-blocking variant used
// by stages that prefer to trim their output rather than wait.
//
// The State does not free memory itself. It only tells producers when to
// slow down.
package budget
