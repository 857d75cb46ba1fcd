package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/storagekit/metromirror/replication"
	"github.com/storagekit/metromirror/shared/logger"
)

// Version is the mirrorctl release version.
var Version = "0.1"

type cmdGlobal struct {
	flagHelp    bool
	flagVersion bool

	flagConfig  string
	flagLogFile string
	flagDebug   bool
	flagVerbose bool
}

func (c *cmdGlobal) run(cmd *cobra.Command, args []string) error {
	return logger.InitLogger(c.flagLogFile, c.flagVerbose, c.flagDebug, nil)
}

// loadConfig reads and validates the backend configuration file.
func (c *cmdGlobal) loadConfig() (*replication.Config, error) {
	content, err := os.ReadFile(c.flagConfig)
	if err != nil {
		return nil, fmt.Errorf("Failed to read configuration file: %w", err)
	}

	var conf replication.Config
	err = yaml.Unmarshal(content, &conf)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse configuration file %q: %w", c.flagConfig, err)
	}

	return &conf, nil
}

// orchestrator connects to both arrays described by the configuration file.
func (c *cmdGlobal) orchestrator(cmd *cobra.Command) (*replication.Orchestrator, error) {
	conf, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	return replication.New(cmd.Context(), conf)
}

// parseVolumeFlags turns repeated --volume name:volume-id[:replica-id]
// values into volume descriptors.
func parseVolumeFlags(values []string) ([]*replication.Volume, error) {
	vols := make([]*replication.Volume, 0, len(values))
	for _, value := range values {
		fields := strings.SplitN(value, ":", 3)
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			return nil, fmt.Errorf("Invalid volume %q, expected name:volume-id[:replica-id]", value)
		}

		vol := &replication.Volume{
			Name:     fields[0],
			Location: replication.ProviderLocation{VolumeID: fields[1]},
		}

		if len(fields) == 3 && fields[2] != "" {
			vol.ReplicationStatus = replication.ReplicationEnabled
			vol.Location.Replicas = map[string]string{"": fields[2]}
		}

		vols = append(vols, vol)
	}

	return vols, nil
}

// keyReplicas rewrites the placeholder replica key onto the actual backend ID.
func keyReplicas(vols []*replication.Volume, backendID string) {
	for _, vol := range vols {
		id, ok := vol.Location.Replicas[""]
		if !ok {
			continue
		}

		vol.Location.Replicas = map[string]string{backendID: id}
	}
}

func main() {
	globalCmd := cmdGlobal{flagConfig: "mirrorctl.yml"}

	app := &cobra.Command{}
	app.Use = "mirrorctl"
	app.Short = "Manage Metro Mirror replication between two storage arrays"
	app.Long = `Description:
  Manage Metro Mirror replication between two storage arrays

  This tool establishes, removes, fails over and fails back synchronous
  volume replication between the two arrays described by its configuration
  file.
`
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}
	app.PersistentPreRunE = globalCmd.run

	app.PersistentFlags().BoolVar(&globalCmd.flagVersion, "version", false, "Print version number")
	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", globalCmd.flagConfig, "Path to the backend configuration file")
	app.PersistentFlags().StringVar(&globalCmd.flagLogFile, "logfile", "", "Path to the log file")
	app.PersistentFlags().BoolVarP(&globalCmd.flagDebug, "debug", "d", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagVerbose, "verbose", "v", false, "Show all information messages")

	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = Version

	establishCmd := cmdEstablish{global: &globalCmd}
	app.AddCommand(establishCmd.command())

	deleteReplicaCmd := cmdDeleteReplica{global: &globalCmd}
	app.AddCommand(deleteReplicaCmd.command())

	failoverCmd := cmdFailover{global: &globalCmd}
	app.AddCommand(failoverCmd.command())

	failbackCmd := cmdFailback{global: &globalCmd}
	app.AddCommand(failbackCmd.command())

	statusCmd := cmdStatus{global: &globalCmd}
	app.AddCommand(statusCmd.command())

	err := app.Execute()
	if err != nil {
		os.Exit(1)
	}
}
