// Package builtin provides the functions scenario files can call with the
// {{$name(args)}} syntax in step URLs, headers and bodies.
//
// Available functions:
//   - uuid(): random UUID v4
//   - now(), date(layout): current UTC time, RFC 3339 or a Go layout
//   - timestamp(), timestampMs(): Unix time in seconds or milliseconds
//   - random(min, max): random integer in range, inclusive
//   - randomString(length), randomEmail(): random test data
//   - base64(value), sha256(value), urlEncode(value): encodings
//   - env(name): process environment variable
package builtin
