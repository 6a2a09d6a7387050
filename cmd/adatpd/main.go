// Command adatpd runs the adatp relay server and manages its admin API
// keys.
package main

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/opd-ai/adatp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "adatpd",
		Short:        "adatp relay server",
		Long:         "adatpd serves the adatp real-time transport protocol and its admin API.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to adatpd.toml (searched in . and /etc/adatp when empty)")

	root.AddCommand(newServeCmd(&configPath), newKeysCmd(&configPath), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			pterm.Printfln("adatpd %s", adatp.Version)
		},
	}
}
