package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/resolver"
)

func newPModeCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pmode",
		Short: "PMode configuration commands",
	}

	cmd.AddCommand(newPModeValidateCmd())
	cmd.AddCommand(newPModeUploadCmd(configPath))
	cmd.AddCommand(newPModeListCmd(configPath))
	cmd.AddCommand(newPModeResolveCmd(configPath))
	return cmd
}

func newPModeValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a PMode document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return runPModeValidate(cmd.OutOrStdout(), raw)
		},
	}
}

func runPModeValidate(out io.Writer, raw []byte) error {
	cfg, issues, err := pmode.Load(raw, pmode.DefaultValidators())
	var invalid *pmode.ConfigurationInvalidError
	if errors.As(err, &invalid) {
		issues = invalid.Issues
	} else if err != nil {
		return err
	}
	for _, i := range issues {
		fmt.Fprintln(out, i.String())
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "valid: %d parties, %d legs, %d processes, %d warnings\n",
		len(cfg.Parties), len(cfg.Legs), len(cfg.Processes), len(issues))
	return nil
}

// openResolverNode opens storage, NATS and the resolver; uploads then
// reach the other nodes through the reload signal.
func openResolverNode(ctx context.Context, configPath string) (*node, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	n, err := newNode(cfg, newLogger(cfg.Logging, os.Stderr))
	if err != nil {
		return nil, err
	}
	if err := n.openStorage(ctx); err != nil {
		n.Close(ctx)
		return nil, err
	}
	if err := n.openNATS(); err != nil {
		n.Close(ctx)
		return nil, err
	}
	if err := n.openResolver(); err != nil {
		n.Close(ctx)
		return nil, err
	}
	return n, nil
}

func newPModeUploadCmd(configPath *string) *cobra.Command {
	var description string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Validate and store a PMode document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if description == "" {
				description = filepath.Base(args[0])
			}
			ctx := cmd.Context()
			n, err := openResolverNode(ctx, *configPath)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			warnings, err := n.resolver.UpdatePModes(ctx, raw, description)
			var invalid *pmode.ConfigurationInvalidError
			if errors.As(err, &invalid) {
				for _, i := range invalid.Issues {
					fmt.Fprintln(cmd.OutOrStdout(), i.String())
				}
			}
			if err != nil {
				return err
			}
			for _, w := range warnings {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", w)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%d bytes)\n", description, len(raw))
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "description stored with the document (default: file name)")
	return cmd
}

func newPModeListCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored PMode documents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openResolverNode(ctx, *configPath)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			list, err := n.history.ListConfigurations(ctx, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tSIZE\tDESCRIPTION")
			for _, c := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", c.ID, c.CreatedAt.Format("2006-01-02 15:04:05"), c.Size, c.Description)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of documents")
	return cmd
}

func newPModeResolveCmd(configPath *string) *cobra.Command {
	var (
		from, to, fromType, toType string
		service, serviceType       string
		action, agreement, mpc     string
		agreementType              string
		pull, receiving            bool
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve message attributes to a pmodeKey",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			n, err := openResolverNode(ctx, *configPath)
			if err != nil {
				return err
			}
			defer n.Close(ctx)

			attrs := &resolver.MessageAttributes{
				From:    []resolver.PartyID{{Value: from, Type: fromType}},
				To:      []resolver.PartyID{{Value: to, Type: toType}},
				Service: resolver.ServiceRef{Value: service, Type: serviceType},
				Action:  action,
				Mpc:     mpc,
			}
			if agreement != "" {
				attrs.Agreement = &resolver.AgreementRef{Value: agreement, Type: agreementType}
			}
			role := resolver.Sending
			if receiving {
				role = resolver.Receiving
			}
			ec, err := n.resolver.Resolve(ctx, attrs, role, pull)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ec.PModeKey())
			if ec.Mpc != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "mpc: %s\n", ec.Mpc)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&from, "from", "", "sender party id")
	f.StringVar(&fromType, "from-type", "", "sender party id type")
	f.StringVar(&to, "to", "", "receiver party id")
	f.StringVar(&toType, "to-type", "", "receiver party id type")
	f.StringVar(&service, "service", "", "service value")
	f.StringVar(&serviceType, "service-type", "", "service type")
	f.StringVar(&action, "action", "", "action")
	f.StringVar(&agreement, "agreement", "", "agreement reference")
	f.StringVar(&agreementType, "agreement-type", "", "agreement reference type")
	f.StringVar(&mpc, "mpc", "", "message partition channel")
	f.BoolVar(&pull, "pull", false, "resolve for a pull exchange")
	f.BoolVar(&receiving, "receiving", false, "resolve as the receiving MSH")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("action")
	return cmd
}
