package cmd

// Exit codes for the hitrun CLI
const (
	// ExitSuccess indicates all tests passed
	ExitSuccess = 0

	// ExitTestFailure indicates one or more tests failed
	ExitTestFailure = 1

	// ExitParseError indicates a scenario file could not be loaded
	ExitParseError = 2

	// ExitConfigError indicates a configuration error
	ExitConfigError = 3

	// ExitSessionError indicates sessions could not be launched or an
	// adapter lost its session
	ExitSessionError = 4

	// ExitUsageError indicates invalid CLI usage
	ExitUsageError = 64
)
