package cmd

import (
	"github.com/spf13/cobra"

	"github.com/luma/kvwire/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(meta.GetInfo())
	},
}
