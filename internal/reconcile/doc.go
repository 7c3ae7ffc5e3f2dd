// Package reconcile owns drift detection and correction.
//
// Ownership boundary:
// - compare attribute-change notifications against the lock registry
// - schedule one corrective mutation per (kind, thread, participant)
// - track the per-key lock state
//
// State machine per key:
// - unlocked -> locked_consistent: registry set
// - locked_consistent -> drift_detected: notification differs from desired
// - drift_detected -> revert_scheduled: immediately
// - revert_scheduled -> locked_consistent: corrective call succeeded
// - revert_scheduled -> drift_detected: corrective call failed
//
// Corrections are best effort. A failed correction is not retried; the key
// waits in drift_detected for the next observed drift, which may never come
// if the remote value silently stays wrong.
//
// Reconcile does not own desired state; it only reads the registry.
package reconcile
