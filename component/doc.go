// Package component implements the active-object scheduler every other
// package in this module runs on.
//
// # Overview
//
// A Component owns a private, strictly ordered task queue and executes every
// queued Task on exactly one goroutine, the owner goroutine, while accepting
// submissions from any number of concurrent callers:
//
//	c := component.New(component.WithName("worker"))
//	f := c.Submit(func(ctx context.Context) error {
//	    // runs on the owner goroutine
//	    return nil
//	})
//	go c.Run(ctx) // or c.RunAsync(ctx) followed later by c.Join()
//	err := f.Wait(ctx)
//
// # Parent/Child Trees
//
// NewChild creates a component that holds a reference to its root's queue
// instead of owning one. Children never run a loop: their tasks execute on the
// root's owner goroutine in submission order with the root's own tasks. This
// lets logically separate actors, such as a server and the sessions it
// spawns, share one goroutine. A child has exactly one parent.
//
// # Park and Wake
//
// When the consume loop finds the queue empty it marks the queue passive and
// waits on a condition variable. Submit clears the passive flag and signals
// under the same mutex that guards the empty check, so a submission racing
// with the consumer going to sleep is never lost. The loop re-checks the
// queue and the stopped flag after every wake.
//
// # Thread Affinity
//
// Run locks its goroutine to an OS thread and records the goroutine ID.
// TryExecuteInline runs a function immediately only when the caller is that
// goroutine. Execute builds on it: inline on the owner goroutine, submit and
// wait everywhere else. Future.Wait refuses to block the owner goroutine on a
// task that has not run yet, since that task could never run.
//
// # Stop Semantics
//
// Stop seals the queue. Tasks accepted before Stop still run; Submit after
// Stop returns a future already failed with errors.ErrStopped. Stop before Run
// is allowed: Run then drains what was queued and returns. Cancelling the
// context passed to Run is equivalent to Stop.
//
// # Errors
//
// A task's error, or a panic converted to *PanicError, is delivered only
// through its Future. One failing task never prevents later tasks from
// running. Usage errors (Run twice, Run on a child, Join without RunAsync) are
// classified invalid and wrap errors.ErrAlreadyStarted or errors.ErrUnsupported.
package component
