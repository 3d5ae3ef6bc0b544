package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/hitrun/packages/core/config"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a new hitrun project",
	Long: `Initialize a new hitrun project in the current or given directory.

This creates:
  - hitrun.yaml        - Configuration file with two environments
  - example.hit.yaml   - Example scenario file

Examples:
  hitrun init
  hitrun init ./e2e --force`,
	Args: cobra.MaximumNArgs(1),
	RunE: initCommand,
}

func init() {
	initCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "Overwrite existing files")
}

const exampleScenario = `suite: Example
tests:
  - name: health check
    steps:
      - open: /health
        expect:
          - status == 200

suites:
  - suite: Resources
    tests:
      - name: create then fetch
        steps:
          - open: /resources
            method: POST
            headers:
              Content-Type: application/json
            body: '{"name": "Test Resource"}'
            expect:
              - status == 201
              - body.id exists
              - body.name == Test Resource
            capture:
              resourceId: body.id
          - open: /resources/{{resourceId}}
            expect:
              - status == 200
              - body.name == Test Resource
      - name: delete
        skip: not implemented yet
`

func initConfig() *config.Config {
	cfg := &config.Config{
		Settings: config.Settings{
			Retry:                  config.IntPtr(1),
			SessionsPerEnvironment: config.IntPtr(4),
			TestsPerSession:        config.IntPtr(10),
			Timeout:                30000,
			HealthPath:             "/health",
			Headers: map[string]string{
				"User-Agent": "hitrun/" + version,
			},
		},
		Reporters: []string{"console"},
		Environments: map[string]config.Settings{
			"local": {
				BaseURL: "http://localhost:3000",
			},
			"staging": {
				BaseURL:                "https://staging.example.com",
				SessionsPerEnvironment: config.IntPtr(2),
			},
		},
	}
	return cfg
}

func initCommand(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	configFile := filepath.Join(dir, "hitrun.yaml")
	exampleFile := filepath.Join(dir, "example.hit.yaml")

	if !forceInit {
		for _, f := range []string{configFile, exampleFile} {
			if _, err := os.Stat(f); err == nil {
				return fmt.Errorf("file already exists: %s (use --force to overwrite)", f)
			}
		}
	}

	configYAML, err := yaml.Marshal(initConfig())
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configFile, configYAML, 0644); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", configFile)

	if err := os.WriteFile(exampleFile, []byte(exampleScenario), 0644); err != nil {
		return fmt.Errorf("failed to create example file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created: %s\n", exampleFile)

	fmt.Fprintf(cmd.OutOrStdout(), "\nhitrun project initialized!\n")
	fmt.Fprintf(cmd.OutOrStdout(), "Run 'hitrun run example.hit.yaml --env local' to execute the example tests.\n")

	return nil
}
