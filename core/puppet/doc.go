// Package puppet provides an in-process actor runtime. Each puppet is an
// isolated piece of state that is only reached through typed messages
// delivered to its private mailbox.
//
// Every puppet:
//   - Has a unique [Pid] and an optional registry-wide name
//   - Consumes a bounded data plane (messages) and a separate control plane
//     ([ServiceCommand]) from a single loop, control first
//   - Publishes its lifecycle [Status] through a latest-value broadcast
//   - Runs its handlers Sequential, Concurrent or Parallel
//
// # Defining Puppets and Messages
//
// A message declares which puppet handles it and what it answers:
//
//	type Counter struct{ n int }
//
//	type Inc struct{ By int }
//
//	func (m Inc) Handle(hc puppet.HandlerCtx, c *Counter) (int, error) {
//	    c.n += m.By
//	    return c.n, nil
//	}
//
// # Spawning and Messaging
//
//	m := puppet.NewMaster(puppet.MasterOptions{})
//	defer m.Shutdown(ctx)
//
//	counter, err := puppet.Spawn(ctx, m, nil, puppet.NewBuilder(func() *Counter {
//	    return &Counter{}
//	}).WithName("counter"))
//
//	_ = puppet.Send(ctx, counter, Inc{By: 1})        // fire-and-forget
//	n, err := puppet.Ask(ctx, counter, Inc{By: 2})   // n == 3
//
// Send and Ask only compile for message types that implement
// Message[P, R] for the puppet type P of the address.
//
// # Execution Variants
//
// Embedding [Concurrent] or [Parallel] in the puppet type moves handlers off
// the loop. Each handler then runs against a [Cloner] snapshot, so changes
// it makes are never visible to later messages. Concurrent handlers run on a
// per-puppet bounded scheduler that starts them in send order; Parallel
// handlers run on the registry's OS-thread-locked [WorkerPool].
//
// # Lifecycle
//
//	created → active ⇄ restarting → stopping → stopped
//
// plus failed(reason), entered through [ReportFailure], a failing start
// hook or a panicking Sequential handler. A failed puppet answers every
// message with [ErrPuppetUnavailable] until it is restarted or stopped.
// Puppets may implement [Starter], [Stopper] and [Resetter] to take part in
// transitions.
//
// A graceful stop waits for in-flight snapshot handlers but keeps reading
// control commands meanwhile, so [ForceTermination] can always end it.
//
// # Supervision
//
// [Master] keeps the tree built by [SpawnChild]. [Master.Command] stops
// children before their parent, and orphans left behind by a parent that
// stopped on its own are stopped in the background.
package puppet
