// Package capture extracts values from responses so later steps of the same
// test can reference them as {{name}}. Interpolation also expands
// {{$fn(args)}} calls through package builtin.
package capture
