package cmd

import (
	"context"
	"fmt"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/cadence/internal/config"
)

func userbotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "userbot",
		Short: "Userbot session utilities",
		Long: "Utilities for the MTProto user session. The running engine picks the\n" +
			"session up automatically (TG_SESSION_STRING wins over the session file);\n" +
			"these commands convert and inspect it.",
	}
	cmd.AddCommand(userbotImportCmd())
	cmd.AddCommand(userbotStatusCmd())
	return cmd
}

func sessionFilePath(cfg *config.Config) string {
	if cfg.Userbot.SessionFile != "" {
		return cfg.Userbot.SessionFile
	}
	return "userbot.session"
}

// userbotImportCmd converts a Telethon string session from the environment
// into the local session file, so deployments can drop TG_SESSION_STRING
// after the first run.
func userbotImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Write TG_SESSION_STRING to the session file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Userbot.SessionString == "" {
				return fmt.Errorf("TG_SESSION_STRING environment variable is not set")
			}

			data, err := session.TelethonSession(cfg.Userbot.SessionString)
			if err != nil {
				return fmt.Errorf("parse TG_SESSION_STRING: %w", err)
			}

			path := sessionFilePath(cfg)
			loader := session.Loader{Storage: &session.FileStorage{Path: path}}
			if err := loader.Save(cmd.Context(), data); err != nil {
				return fmt.Errorf("write session file: %w", err)
			}
			fmt.Printf("session written to %s (dc %d)\n", path, data.DC)
			return nil
		},
	}
}

// userbotStatusCmd connects with the configured session and reports who it
// is authorized as. Uses the same session precedence as the engine.
func userbotStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect and show the session's authorization state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if cfg.Userbot.APIID == 0 || cfg.Userbot.APIHash == "" {
				return fmt.Errorf("userbot credentials are not set (TG_API_ID, TG_API_HASH)")
			}

			var storage telegram.SessionStorage
			if cfg.Userbot.SessionString != "" {
				data, err := session.TelethonSession(cfg.Userbot.SessionString)
				if err != nil {
					return fmt.Errorf("parse TG_SESSION_STRING: %w", err)
				}
				mem := new(session.StorageMemory)
				loader := session.Loader{Storage: mem}
				if err := loader.Save(cmd.Context(), data); err != nil {
					return fmt.Errorf("import session: %w", err)
				}
				storage = mem
			} else {
				storage = &session.FileStorage{Path: sessionFilePath(cfg)}
			}

			client := telegram.NewClient(cfg.Userbot.APIID, cfg.Userbot.APIHash, telegram.Options{
				SessionStorage: storage,
			})
			return client.Run(cmd.Context(), func(ctx context.Context) error {
				status, err := client.Auth().Status(ctx)
				if err != nil {
					return fmt.Errorf("auth status: %w", err)
				}
				if !status.Authorized {
					fmt.Println("session is NOT authorized")
					return nil
				}
				self, err := client.Self(ctx)
				if err != nil {
					return fmt.Errorf("resolve self: %w", err)
				}
				name := self.FirstName
				if self.Username != "" {
					name = "@" + self.Username
				}
				fmt.Printf("authorized as %s (id %d)\n", name, self.ID)
				return nil
			})
		},
	}
}
