package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "manage backups in the object store",
	}
	cmd.AddCommand(newBackupCreateCmd(), newBackupListCmd(), newBackupRestoreCmd())
	return cmd
}

func newBackupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "take a backup now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.control.CreateBackup(cmd.Context())
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(m)
				}
				fmt.Printf("backup %s created (%d bytes, hash %s)\n", m.BackupDate, m.SizeBytes, m.ContentHash)
				return nil
			})
		},
	}
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "list backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				manifests, err := a.control.ListBackups(cmd.Context())
				if err != nil {
					return err
				}
				if flagJSON {
					return printJSON(manifests)
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIMESTAMP\tMODE\tSIZE\tRECORDS")
				for _, m := range manifests {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
						m.BackupDate, m.BackupTimestamp, m.Mode, m.SizeBytes, m.RecordCount)
				}
				return w.Flush()
			})
		},
	}
}

func newBackupRestoreCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "replace the local database with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("restore overwrites the local database; re-run with --yes")
			}
			return withApp(cmd.Context(), func(a *app) error {
				m, err := a.control.Restore(cmd.Context(), args[0])
				if m != nil {
					fmt.Printf("restored backup %s from %s\n", m.BackupDate, m.Prefix)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the restore")
	return cmd
}
