// Package dedupe maps client idempotency keys to the value first produced
// for them, within a configurable TTL window.
//
// The planning coordinator uses it so that a retried submission carrying the
// same Idempotency-Key returns the original requestId instead of starting a
// second session.
package dedupe
