package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/storagekit/metromirror/replication"
)

type cmdDeleteReplica struct {
	global *cmdGlobal

	flagVolumeID  string
	flagReplicaID string
}

func (c *cmdDeleteReplica) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "delete-replica <volume-name>"
	cmd.Short = "Remove a volume's replica and its mirror relationship"
	cmd.RunE = c.run
	cmd.Flags().StringVar(&c.flagVolumeID, "volume-id", "", "ID of the volume on the active array")
	cmd.Flags().StringVar(&c.flagReplicaID, "replica-id", "", "ID of the replica volume on the target array")

	return cmd
}

func (c *cmdDeleteReplica) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errors.New("Missing volume name")
	}

	if c.flagVolumeID == "" {
		return errors.New("Missing --volume-id")
	}

	conf, err := c.global.loadConfig()
	if err != nil {
		return err
	}

	o, err := replication.New(cmd.Context(), conf)
	if err != nil {
		return err
	}

	vol := &replication.Volume{
		Name:     args[0],
		Location: replication.ProviderLocation{VolumeID: c.flagVolumeID},
	}

	if c.flagReplicaID != "" {
		vol.ReplicationStatus = replication.ReplicationEnabled
		vol.Location.Replicas = map[string]string{conf.Target.BackendID: c.flagReplicaID}
	}

	out, err := o.DeleteReplica(cmd.Context(), vol)
	if err != nil {
		return err
	}

	fmt.Printf("Replication disabled for %q (volume %s kept)\n", out.Name, out.Location.VolumeID)

	return nil
}
