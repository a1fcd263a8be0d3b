package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kea-semester-1/best-bank-as/internal/auth"
	"github.com/kea-semester-1/best-bank-as/internal/identity"
)

func newProvisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the internal settlement account and load the peer bank directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.core.Provision(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if report.InternalCreated {
				fmt.Fprintf(out, "created internal account %d\n", report.Internal.ID)
			} else {
				fmt.Fprintf(out, "internal account %d already exists\n", report.Internal.ID)
			}
			for _, b := range report.Peers {
				fmt.Fprintf(out, "peer %s %s (%s, %s)\n", b.RegistrationNumber, b.Name, b.BaseURL, b.AuthScheme)
			}
			return nil
		},
	}
	cmd.AddCommand(newServiceAccountCmd())
	return cmd
}

func newServiceAccountCmd() *cobra.Command {
	var (
		username     string
		password     string
		role         string
		registration string
	)
	cmd := &cobra.Command{
		Use:   "service-account",
		Short: "Create an API credential for a peer bank or a staff client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			sa, err := a.core.Identity.Register(cmd.Context(), identity.Credentials{
				Username:           username,
				Password:           password,
				RegistrationNumber: registration,
				Role:               auth.Role(role),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created service account %s (%s)\n", sa.ID, sa.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "login name")
	cmd.Flags().StringVar(&password, "password", "", "password, at least 8 characters")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleBank), "bank or staff")
	cmd.Flags().StringVar(&registration, "registration", "", "registration number of the peer bank (bank role only)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
