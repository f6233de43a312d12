// Package queue manages customers waiting for a human operator.
//
// Each entry moves waiting -> locked -> done, with locked -> waiting on
// release or lease expiry and any active status -> cancelled on
// administrative override. Transitions are guarded updates in the store,
// so concurrent claims on one entry produce exactly one winner. Every
// transition writes an audit row and emits one notify event.
package queue
