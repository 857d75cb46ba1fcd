package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storagekit/metromirror/replication"
)

type cmdEstablish struct {
	global *cmdGlobal

	flagSize     int
	flagGroup    string
	flagVolumeID string
}

func (c *cmdEstablish) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "establish <volume-name>"
	cmd.Short = "Create a synchronized replica for a volume"
	cmd.Long = `Description:
  Create a synchronized replica for a volume

  Without --volume-id a new volume is created on the active array first.
  The command blocks until the replica is fully synchronized.
`
	cmd.RunE = c.run
	cmd.Flags().IntVar(&c.flagSize, "size", 1, "Volume size in GiB")
	cmd.Flags().StringVar(&c.flagGroup, "group", "", "Consistency group the volume belongs to")
	cmd.Flags().StringVar(&c.flagVolumeID, "volume-id", "", "ID of an existing volume to replicate")

	return cmd
}

func (c *cmdEstablish) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("Missing volume name")
	}

	o, err := c.global.orchestrator(cmd)
	if err != nil {
		return err
	}

	vol := &replication.Volume{
		Name:     args[0],
		SizeGiB:  c.flagSize,
		GroupID:  c.flagGroup,
		Location: replication.ProviderLocation{VolumeID: c.flagVolumeID},
	}

	out, err := o.EstablishReplication(cmd.Context(), vol)
	if err != nil {
		return err
	}

	fmt.Printf("Replication established for %q\n", out.Name)
	fmt.Printf("  volume-id: %s\n", out.Location.VolumeID)
	for backend, id := range out.Location.Replicas {
		fmt.Printf("  replica:   %s (backend %q)\n", id, backend)
	}

	return nil
}
