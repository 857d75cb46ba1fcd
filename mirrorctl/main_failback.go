package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storagekit/metromirror/replication"
)

type cmdFailback struct {
	global *cmdGlobal

	flagVolumes []string
}

func (c *cmdFailback) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "failback"
	cmd.Short = "Return the given volumes to the primary array"
	cmd.Long = `Description:
  Return the given volumes to the primary array

  Syncs the data written while failed over back to the primary, then
  restores replication in the original direction. The primary must be
  reachable again.
`
	cmd.RunE = c.run
	cmd.Flags().StringArrayVar(&c.flagVolumes, "volume", nil, "Volume as name:volume-id[:replica-id]")

	return cmd
}

func (c *cmdFailback) run(cmd *cobra.Command, args []string) error {
	vols, err := parseVolumeFlags(c.flagVolumes)
	if err != nil {
		return err
	}

	conf, err := c.global.loadConfig()
	if err != nil {
		return err
	}

	// The volume IDs passed in refer to the secondary array, with the
	// replicas pointing back at the primary.
	keyReplicas(vols, conf.Primary.BackendID)

	o, err := replication.New(cmd.Context(), conf)
	if err != nil {
		return err
	}

	// A fresh process starts with the configured roles. Restore the
	// failed-over state before asking for the failback.
	o.ResumeFailedOver()

	active, updates, err := o.FailbackHost(cmd.Context(), vols)
	if err != nil {
		return err
	}

	fmt.Printf("Active backend: %s\n", active)
	printUpdates(updates)

	return nil
}
