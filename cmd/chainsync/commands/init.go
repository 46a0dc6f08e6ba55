package commands

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/chainkit/chainsync/config"
	"github.com/chainkit/chainsync/libs/log"
	tmos "github.com/chainkit/chainsync/libs/os"
)

// MakeInitFilesCommand returns the command that writes the default config
// file under the home directory.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a chainsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFilesWithConfig(conf, logger)
		},
	}
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) error {
	configFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("Generated config file", "path", configFile)
	return nil
}
