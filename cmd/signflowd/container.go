package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/aegis-sign/signflow/internal/config"
	"github.com/aegis-sign/signflow/internal/infra/containerstore"
	"github.com/aegis-sign/signflow/pkg/validator"
)

func newContainerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Inspect and create containers in the local store",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("SIGNFLOW_CONFIG"), "path to the YAML configuration file")
	openStore := func() (*containerstore.Store, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		return containerstore.Open(containerstore.Config{Path: cfg.Store.Path})
	}
	cmd.AddCommand(
		newContainerCreateCmd(openStore),
		newContainerDigestCmd(openStore),
		newContainerSignaturesCmd(openStore),
	)
	return cmd
}

type storeOpener func() (*containerstore.Store, error)

func newContainerCreateCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "create <id> <file>...",
		Short: "Create a container from data files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make([]containerstore.FileContent, 0, len(args)-1)
			for _, path := range args[1:] {
				content, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read data file: %w", err)
				}
				files = append(files, containerstore.FileContent{Name: filepath.Base(path), Content: content})
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.CreateContainer(cmd.Context(), args[0], files); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created container %s with %d data files\n", args[0], len(files))
			return nil
		},
	}
}

func newContainerDigestCmd(open storeOpener) *cobra.Command {
	var encoding, expect string
	cmd := &cobra.Command{
		Use:   "digest <id>",
		Short: "Print the canonical digest that signing sessions sign over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc, err := validator.ParseEncoding(encoding)
			if err != nil {
				return err
			}
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			files, err := store.DataFiles(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			digest := container.CanonicalDigest(files)
			if expect != "" {
				if err := validator.MatchDigest(digest, expect, enc); err != nil {
					return err
				}
			}
			text, err := validator.EncodeDigest(digest, enc)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&encoding, "encoding", "hex", "digest encoding: hex or base64")
	cmd.Flags().StringVar(&expect, "expect", "", "fail unless the digest equals this value")
	return cmd
}

func newContainerSignaturesCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "signatures <id>",
		Short: "List signatures in a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()
			records, err := store.Signatures(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSIGNER\tSTATUS\tPENDING\tSIGNED AT")
			for _, r := range records {
				signer := ""
				if r.SignerCertificate != nil {
					signer = r.SignerCertificate.Subject.CommonName
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", r.ID, signer, r.Status, r.Pending, signedAt(r))
			}
			return w.Flush()
		},
	}
}

func signedAt(r container.SignatureRecord) string {
	if r.Pending || r.SignedAt.IsZero() {
		return "-"
	}
	return r.SignedAt.UTC().Format(time.RFC3339)
}
