package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/luma/aredis/internal/meta"
)

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := meta.GetInfo()

		fmt.Fprintf(cmd.OutOrStdout(), "aredis %s (%s, branch %s)\nbuilt %s with %s on %s\n",
			info.Version, info.Build, info.Branch, info.BuildTime, info.GoVersion, info.Platform)

		return nil
	},
}
