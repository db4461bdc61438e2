package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/oakenlab/dhtprobe/p2p/kademlia"
	"github.com/oakenlab/dhtprobe/pkg/utils"
)

const version = "dev"

var idSeed string

// nodeIdentity derives the node ID from a seed, or generates a random one
// when the seed is empty.
func nodeIdentity(seed string) kademlia.NodeID {
	if seed == "" {
		return kademlia.RandomNodeID()
	}
	id, err := kademlia.NodeIDFromBytes(utils.IdentityDigest(seed)[:kademlia.IDLength])
	if err != nil {
		// digest is always long enough
		panic(err)
	}
	return id
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the node identity that would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		seed := idSeed
		if seed == "" {
			seed = appConfig.P2P.IdentitySeed
		}
		fmt.Println(nodeIdentity(seed))
		return nil
	},
}

func init() {
	idCmd.Flags().StringVar(&idSeed, "seed", "", "identity seed (overrides config)")
	rootCmd.AddCommand(idCmd)
}
