// Package engine runs lifecycle operations against blueprint instances.
//
// # Overview
//
// A blueprint instance is a persisted Document plus a typed Blueprint that
// knows which operations it supports. Every operation is an OperationPlan: an
// ordered list of stages, each holding three handler lists executed in the
// fixed order Build, Configure, Teardown. Handlers are looked up by name in
// the blueprint's capability map.
//
// # Workers
//
// The Registry keeps one Worker per live instance. A worker owns a goroutine
// and an unbounded mailbox, so sessions against one instance run strictly one
// at a time in submission order while different instances progress in
// parallel. Submission never blocks on execution:
//
//	sid, err := reg.Submit(ctx, engine.SubmitRequest{
//	    InstanceID: "edge-1",
//	    Operation:  "deploy",
//	})
//
// The terminal outcome reaches the requester through the Notifier. Lifecycle
// transitions are published on the EventBus in this order:
//
//	ProcessingStarted
//	StageStarted / StageEnded   (once per non-empty list)
//	ProcessingEnded | ProcessingFailed
//
// # Callbacks
//
// A Build handler reference with a Callback suspends the session after the
// handler returns its acknowledgement. The suspension is saved in
// Document.Pending and the worker goes back to its mailbox; sessions that
// arrive meanwhile are parked until the suspended one finishes. Registry.Resume
// delivers the external confirmation, after which the callback handler runs and
// the plan continues with the next handler. A suspension that outlives its
// deadline fails with CALLBACK_TIMEOUT. Pending callbacks survive a process
// restart.
//
// # Errors
//
// Errors are EngineError values carrying a class and a code. Rejections
// (REJECTED, POLICY_DENIED, INSTANCE_DESTROYING) are returned before any
// state changes. Stage failures (STAGE_FAILED, EMPTY_RESULT, HANDLER_PANIC,
// HANDLER_NOT_FOUND, CALLBACK_TIMEOUT) leave the instance in StatusError with
// DetailedStatus naming the failing list; the next submitted session may
// proceed normally.
package engine
