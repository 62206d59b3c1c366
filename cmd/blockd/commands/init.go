package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qabelwerk/blockd/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "blockd.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}

		cfg := &config.Config{}
		config.ApplyDefaults(cfg)

		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
}
