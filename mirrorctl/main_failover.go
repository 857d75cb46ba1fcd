package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storagekit/metromirror/replication"
)

type cmdFailover struct {
	global *cmdGlobal

	flagVolumes []string
}

func (c *cmdFailover) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "failover <target-backend>"
	cmd.Short = "Fail the given volumes over to the replication target"
	cmd.Long = `Description:
  Fail the given volumes over to the replication target

  Each volume is passed as --volume name:volume-id[:replica-id]. Volumes
  without a replica cannot follow the array over and are marked errored.
  Passing "default" as the target backend requests a failback instead.
`
	cmd.RunE = c.run
	cmd.Flags().StringArrayVar(&c.flagVolumes, "volume", nil, "Volume as name:volume-id[:replica-id]")

	return cmd
}

func (c *cmdFailover) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("Missing target backend")
	}

	vols, err := parseVolumeFlags(c.flagVolumes)
	if err != nil {
		return err
	}

	conf, err := c.global.loadConfig()
	if err != nil {
		return err
	}

	keyReplicas(vols, conf.Target.BackendID)

	o, err := replication.New(cmd.Context(), conf)
	if err != nil {
		return err
	}

	active, updates, err := o.FailoverHost(cmd.Context(), vols, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Active backend: %s\n", active)
	printUpdates(updates)

	return nil
}

func printUpdates(updates []replication.VolumeUpdate) {
	for _, update := range updates {
		fmt.Printf("  %s:", update.Name)
		if update.Status != "" {
			fmt.Printf(" status=%s", update.Status)
		}

		if update.ReplicationStatus != "" {
			fmt.Printf(" replication=%s", update.ReplicationStatus)
		}

		if update.Location != nil {
			fmt.Printf(" volume-id=%s", update.Location.VolumeID)
		}

		fmt.Println()
	}
}
