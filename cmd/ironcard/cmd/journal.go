package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcard/journal"
)

var (
	journalJSON     bool
	journalTruncate bool
)

var keyboxJournalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show the recorded changes of the keybox",
	Long: `Prints the changes made to the keybox through this tool, oldest first.
The journal database is set with keybox.journal in the configuration file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Keybox.Journal == "" {
			return errors.New("no journal configured (keybox.journal)")
		}
		store, err := journal.Open(cfg.Keybox.Journal, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		if journalTruncate {
			return store.Truncate(keyboxPath())
		}
		return printJournal(cmd.OutOrStdout(), store, keyboxPath(), journalJSON)
	},
}

func printJournal(w io.Writer, store *journal.Store, path string, asJSON bool) error {
	entries, err := store.List(path)
	if errors.Is(err, journal.ErrNotFound) {
		entries = []journal.Entry{}
	} else if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	for _, e := range entries {
		status := "ok"
		if e.Error != "" {
			status = "failed: " + e.Error
		}
		fmt.Fprintf(w, "%s %-9s offset=%d length=%d %s\n",
			e.Time.Format(time.RFC3339), e.Action, e.Offset, e.Length, status)
	}
	return nil
}

func init() {
	keyboxCmd.AddCommand(keyboxJournalCmd)
	keyboxJournalCmd.Flags().BoolVar(&journalJSON, "json", false, "Output as JSON")
	keyboxJournalCmd.Flags().BoolVar(&journalTruncate, "truncate", false, "Discard the journal of the keybox")
}
