// Package output turns a run's event stream into reports.
//
// A Collector listens to the stream and keeps the result model. Reporters
// read it:
//   - Console: colored terminal output, streamed as tests finish
//   - JSON: one machine-readable document written at run-end
//   - JUnit: JUnit XML for CI integration, written at run-end
//
// Every reporter has an Attach method that registers its listeners on a
// runner or emitter.
package output
