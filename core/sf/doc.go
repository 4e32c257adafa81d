// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// Single-flight ensures that only one execution of a function is in-flight
// for a given key at a time. If multiple goroutines call [Singleflight.Do]
// with the same key concurrently, only the first call executes the function;
// subsequent callers block until the first call completes and then receive
// the same result.
//
// The puppet registry uses it so that concurrent GetOrSpawn calls for the
// same name spawn exactly one puppet.
//
// # Usage
//
//	spawns := sf.New[puppet.Cell]()
//
//	cell, _, err := spawns.Do("session:42", func() (puppet.Cell, error) {
//	    return puppet.Spawn(ctx, reg, nil, builder)
//	})
//
// The generic type parameter T allows type-safe returns without casting.
package sf
