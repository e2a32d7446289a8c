package cmd

import (
	"fmt"
	"os"

	"github.com/palisade-bridge/palisade/cmd/debug"
	"github.com/palisade-bridge/palisade/pkg/version"

	"github.com/spf13/cobra"

	"github.com/spf13/viper"

	"github.com/palisade-bridge/palisade/cmd/palisaded"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "palisaded",
	Short: "Palisade bridge trust node",
}

// Top-level version subcommand
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display binary version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.palisaded.yaml)")
	rootCmd.AddCommand(palisaded.NodeCmd)
	rootCmd.AddCommand(palisaded.KeygenCmd)
	rootCmd.AddCommand(palisaded.AdminCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(debug.DebugCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".palisaded" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigName(".palisaded.yaml")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
