package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/determined-ai/vine/master/internal/config"
	"github.com/determined-ai/vine/master/internal/db"
	"github.com/determined-ai/vine/master/pkg/model"
)

func newSnapshotCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "print the last checkpoint of this manager",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := initializeConfig()
			if err == nil {
				err = runSnapshot(context.Background(), cfg, os.Stdout, verbose)
			}
			if err != nil {
				log.Error(fmt.Sprintf("%+v", err))
				os.Exit(1)
			}
		},
	}
	cmd.Flags().BoolVar(&verbose, "verbose", false, "print the whole snapshot as JSON")
	return cmd
}

func runSnapshot(ctx context.Context, cfg *config.Config, out io.Writer, verbose bool) error {
	store, err := db.Open(ctx, cfg.Checkpoint, cfg.ManagerName)
	if err != nil {
		return err
	}
	defer func() {
		if errd := store.Close(); errd != nil {
			log.Errorf("error closing checkpoint store: %s", errd)
		}
	}()

	snap, err := store.Load(ctx)
	switch {
	case errors.Is(err, db.ErrNotFound):
		_, err = fmt.Fprintf(out, "no snapshot for manager %s\n", cfg.ManagerName)
		return err
	case err != nil:
		return err
	}

	if verbose {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	counts := map[model.TaskState]int{}
	for _, t := range snap.Tasks {
		counts[t.State]++
	}
	_, err = fmt.Fprintf(out, "snapshot of %s taken %s: %d files, %d libraries, %d tasks %v\n",
		cfg.ManagerName, snap.Taken.Format(time.RFC3339), len(snap.Files),
		len(snap.Libraries), len(snap.Tasks), counts)
	return err
}
