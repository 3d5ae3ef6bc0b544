// Package runner schedules tests across environments and sessions.
//
// A Runner owns the session pool and creates one EnvRunner per environment.
// Each EnvRunner uses a Builder to split its files into Adapters, bounded by
// the environment's tests-per-session limit, and runs every Adapter through a
// RetryRunner. Adapters of an environment, and the environments themselves,
// run concurrently.
//
// Events flow upward through static passthrough tables: adapter and retry
// events reach the EnvRunner's emitter, and from there the Runner's, where
// observers register with On.
package runner
