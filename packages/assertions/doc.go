// Package assertions evaluates response expectations for scenario steps.
//
// An assertion reads "<subject> <operator> [value]":
//
//	status == 200
//	header Content-Type contains json
//	body contains Welcome
//	body.user.name == bob
//	body.items length 3
//	body schema schemas/user.json
//
// Subjects are status, duration (ms), header <name>, body, or a gjson path
// into a JSON body. Operators: ==, !=, >, >=, <, <=, contains, startsWith,
// endsWith, matches, exists, length, includes, in, type, schema, and the
// negated !contains, !exists, !includes, !in.
package assertions
