package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fleetgrid/relay/internal/agenttools"
	"github.com/fleetgrid/relay/internal/config"
	"github.com/fleetgrid/relay/internal/inbox"
	"github.com/fleetgrid/relay/internal/messaging"
	"github.com/fleetgrid/relay/internal/resolver"
	"github.com/fleetgrid/relay/internal/router"
)

// agentToolsCmd runs the MCP tool server over stdio, bound to one acting
// identity. The agent runtime spawns this as a subprocess; the identity comes
// from flags set by the spawning side, never from the model.
func agentToolsCmd() *cobra.Command {
	var (
		senderKind string
		senderID   string
		companyID  string
	)

	cmd := &cobra.Command{
		Use:   "agent-tools",
		Short: "Serve the agent tool gateway over stdio (MCP)",
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := uuid.Parse(senderID)
			if err != nil {
				return fmt.Errorf("invalid --sender-id: %w", err)
			}
			cid, err := uuid.Parse(companyID)
			if err != nil {
				return fmt.Errorf("invalid --company-id: %w", err)
			}
			actor := messaging.Actor{
				Sender:    messaging.Sender{Kind: messaging.SenderKind(senderKind), ID: sid},
				CompanyID: cid,
			}

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			stores, err := openStores(cfg)
			if err != nil {
				return err
			}

			res := resolver.New(stores)
			rtr := router.New(res, stores, nil, cfg.Snapshot().MaxMessageChars)
			ibx := inbox.New(rtr, stores)

			gw, err := agenttools.NewGateway(actor, res, rtr, ibx, stores.Messages)
			if err != nil {
				return err
			}
			return gw.ServeStdio(Version)
		},
	}

	cmd.Flags().StringVar(&senderKind, "sender-kind", "user", "acting sender kind: user, driver, or company")
	cmd.Flags().StringVar(&senderID, "sender-id", "", "acting sender UUID (required)")
	cmd.Flags().StringVar(&companyID, "company-id", "", "acting company UUID (required)")
	cmd.MarkFlagRequired("sender-id")
	cmd.MarkFlagRequired("company-id")

	return cmd
}
