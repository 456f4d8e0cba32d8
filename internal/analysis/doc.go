/*
Package analysis computes derived signal artifacts from media streams and
memoizes them through the cache coordinator.

Three windowed analyzers consume sequential decoded units from the external
decoder collaborator:

  - Waveform: per-window min/max amplitude envelope at a requested
    samples-per-second resolution, with a batched min/max reduction for
    window-aligned runs.
  - Peak: per-window maximum absolute amplitude, normalized to the source
    format's full scale.
  - KeyframeIndex: keyframe timestamps, via an exhaustive per-frame scan for
    short assets or fixed-interval seek sampling for long ones.

All three flush a final partial window, throttle progress reporting to
roughly fifty updates per run, and check for cancellation at a coarse block
interval rather than per sample.

The Orchestrator sits on top. It guarantees at most one computation in
flight per (identity, kind, variant): the first request registers a shared
task handle before any blocking point and later requests await it. The
handle settles exactly once — completed, failed, or cancelled — waking every
waiter, and is removed from the registry on every exit path so retries start
fresh. Batch requests run the applicable analyzers in parallel and combine
their progress through fixed, renormalized weights; a failing sub-analysis
never discards results its siblings already cached.
*/
package analysis
