package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/opd-ai/adatp/config"
	"github.com/opd-ai/adatp/keystore"
)

func newKeysCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage admin API keys",
	}
	cmd.AddCommand(newKeysAddCmd(configPath), newKeysListCmd(configPath), newKeysRevokeCmd(configPath))
	return cmd
}

func openStore(configPath string) (*keystore.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return keystore.Open(cfg.Keystore.Path)
}

func newKeysAddCmd(configPath *string) *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			token, err := store.Create(cmd.Context(), label)
			if err != nil {
				return err
			}

			pterm.Success.Printfln("Key created under label %q", label)
			pterm.Printfln("%s", token)
			pterm.Warning.Println("This token is shown once; only its digest is stored.")
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "default", "label describing the key's owner or purpose")
	return cmd
}

func newKeysListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				pterm.Info.Println("No keys stored")
				return nil
			}

			data := pterm.TableData{
				{"ID", "Label", "Created", "Status"},
			}
			for _, k := range keys {
				status := "active"
				if k.Revoked {
					status = "revoked"
				}
				data = append(data, []string{
					strconv.FormatInt(k.ID, 10),
					k.Label,
					k.CreatedAt.Format(time.RFC3339),
					status,
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
}

func newKeysRevokeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key ID %q", args[0])
			}

			store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Revoke(cmd.Context(), id); err != nil {
				return err
			}
			pterm.Success.Printfln("Key %d revoked", id)
			return nil
		},
	}
}
