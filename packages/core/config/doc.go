// Package config loads hitrun.yaml and resolves per-environment settings.
//
// Global keys (retry, sessionsPerEnvironment, testsPerSession, timeout,
// baseUrl, healthPath, headers) apply to every environment unless the
// environment overrides them under environments.<id>. ${VAR} references are
// expanded from the process environment when the file is read.
package config
