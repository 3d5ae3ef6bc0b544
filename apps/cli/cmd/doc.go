// Package cmd implements the hitrun CLI commands using Cobra.
//
// Available commands:
//   - run: Execute scenario files across environments
//   - list: Display the tests in scenario files, or the session plan
//   - history: Show past runs from the history database
//   - init: Create a config file and an example scenario
//   - version: Show hitrun version information
//   - completion: Generate shell completion scripts
//
// Flags default from HITRUN_* environment variables where noted.
package cmd
