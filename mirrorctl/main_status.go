package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/storagekit/metromirror/replication"
)

type cmdStatus struct {
	global *cmdGlobal
}

func (c *cmdStatus) command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "status"
	cmd.Short = "Show both arrays and the replication link"
	cmd.Long = `Description:
  Show both arrays and the replication link

  Connects to both arrays, refreshes their pool and logical subsystem
  inventory and prints the replication port pairs in use.
`
	cmd.RunE = c.run

	return cmd
}

func (c *cmdStatus) run(cmd *cobra.Command, args []string) error {
	o, err := c.global.orchestrator(cmd)
	if err != nil {
		return err
	}

	fmt.Printf("Active backend: %s\n", o.ActiveBackendID())

	source, target := o.Arrays()
	for _, array := range []*replication.StorageArray{source, target} {
		printArray(array)
	}

	return nil
}

func printArray(array *replication.StorageArray) {
	fmt.Printf("\nBackend %s (WWNN %s, %s)\n", array.BackendID, array.WWNN, array.ConnectionType())

	fmt.Println("  Pools:")
	for _, pool := range array.Pools() {
		fmt.Printf("    %s (%s): node %d, %d/%d GiB available\n", pool.ID, pool.Name, pool.Node, pool.AvailableBytes>>30, pool.CapacityBytes>>30)
	}

	lsses := array.LSSes()
	fmt.Printf("  Logical subsystems: %d\n", len(lsses))
	for _, lss := range lsses {
		fmt.Printf("    %s: node %d, %s, %d volumes\n", lss.ID, lss.Node, lss.Type, lss.ConfiguredVolumes)
	}

	if len(array.ReservedGroupLSS()) > 0 {
		fmt.Printf("  Reserved for consistency groups: %s\n", strings.Join(array.ReservedGroupLSS(), ", "))
	}

	pairs := make([]string, 0, len(array.PortPairs()))
	for _, pair := range array.PortPairs() {
		pairs = append(pairs, fmt.Sprintf("%s:%s", pair.SourcePortID, pair.TargetPortID))
	}

	if len(pairs) > 0 {
		fmt.Printf("  Replication port pairs: %s\n", strings.Join(pairs, ", "))
	}
}
