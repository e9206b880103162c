package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sendrec/watchparty/internal/client"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a movie and open a watch session for it",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

func runUpload(cmd *cobra.Command, args []string) error {
	cfg, logger, err := viewerConfig(cmd)
	if err != nil {
		return err
	}
	c := client.New(cfg.ServerURL, logger)

	created, err := c.Upload(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session: %s\n", created.ID)
	fmt.Fprintf(out, "state:   %s/api/sessions/%s\n", strings.TrimRight(cfg.ServerURL, "/"), created.ID)
	fmt.Fprintf(out, "join with: watchparty join %s --server %s\n", created.ID, cfg.ServerURL)
	return nil
}
