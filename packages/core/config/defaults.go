package config

// DefaultEnvironmentID names the environment used when none is configured
const DefaultEnvironmentID = "default"

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Settings: Settings{
			Retry:                  IntPtr(0),
			SessionsPerEnvironment: IntPtr(1),
			TestsPerSession:        IntPtr(0),
			Timeout:                30000, // 30 seconds
		},
		Reporters:    []string{"console"},
		NoColor:      BoolPtr(false),
		Environments: map[string]Settings{DefaultEnvironmentID: {}},
	}
}
