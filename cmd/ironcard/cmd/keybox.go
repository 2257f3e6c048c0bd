package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironcard/errcode"
	"github.com/jmcleod/ironcard/journal"
	"github.com/jmcleod/ironcard/keybox"
)

// keyboxEditor applies record changes to one keybox file and journals them.
type keyboxEditor struct {
	path    string
	secret  bool
	journal *journal.Store
	logger  *slog.Logger
}

// locate returns the live record starting at offset.
func (e *keyboxEditor) locate(offset int64) (keybox.Located, error) {
	recs, err := keybox.Scan(e.path)
	if errors.Is(err, fs.ErrNotExist) {
		return keybox.Located{}, fmt.Errorf("%w: %s", errcode.ErrNotFound, e.path)
	}
	if err != nil {
		return keybox.Located{}, err
	}
	for _, rec := range recs {
		if rec.Offset == offset {
			if rec.Type == keybox.TypeEmpty {
				break
			}
			return rec, nil
		}
	}
	return keybox.Located{}, fmt.Errorf("%w: no record at offset %d", errcode.ErrNotFound, offset)
}

func (e *keyboxEditor) insert(rec keybox.Record) error {
	offset := int64(0)
	if fi, err := os.Stat(e.path); err == nil {
		offset = fi.Size()
	}
	err := keybox.NewHandle(e.path, e.secret).Insert(rec)
	return e.record("insert", offset, rec.Len(), err)
}

func (e *keyboxEditor) update(offset int64, rec keybox.Record) error {
	found, err := e.locate(offset)
	if err != nil {
		return err
	}
	err = keybox.Update(e.path, keybox.UpdateOp(found.Offset, found.Length, rec), e.secret)
	return e.record("update", found.Offset, rec.Len(), err)
}

func (e *keyboxEditor) remove(offset int64) error {
	found, err := e.locate(offset)
	if err != nil {
		return err
	}
	err = keybox.Update(e.path, keybox.DeleteOp(found.Offset, found.Length), e.secret)
	return e.record("delete", found.Offset, found.Length, err)
}

func (e *keyboxEditor) tombstone(offset int64) error {
	found, err := e.locate(offset)
	if err != nil {
		return err
	}
	err = keybox.Tombstone(e.path, found.Offset)
	return e.record("tombstone", found.Offset, found.Length, err)
}

// record journals a change and returns opErr. A journal failure is logged
// but does not fail the change, which has already happened.
func (e *keyboxEditor) record(action string, offset int64, length int, opErr error) error {
	if e.journal == nil {
		return opErr
	}
	entry := &journal.Entry{
		Action: action,
		Path:   e.path,
		Offset: offset,
		Length: length,
		Secret: e.secret,
	}
	if opErr != nil {
		entry.Error = opErr.Error()
	}
	if err := e.journal.Append(entry); err != nil {
		e.logger.Warn("keybox: journaling change failed", slog.String("action", action), slog.Any("error", err))
	}
	return opErr
}

func parseRecordType(s string) (keybox.Type, error) {
	switch strings.ToLower(s) {
	case "openpgp", "pgp":
		return keybox.TypePGP, nil
	case "x509":
		return keybox.TypeX509, nil
	}
	return 0, fmt.Errorf("%w: record type %q", errcode.ErrInvalidValue, s)
}

// readBody reads a record body from the named file, or stdin for "-".
func readBody(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(name)
}

type listedRecord struct {
	Offset int64  `json:"offset"`
	Length int    `json:"length"`
	Type   string `json:"type"`
}

func listRecords(w io.Writer, path string, all, asJSON bool) error {
	recs, err := keybox.Scan(path)
	if errors.Is(err, fs.ErrNotExist) {
		recs = nil
	} else if err != nil {
		return err
	}

	out := make([]listedRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Type == keybox.TypeEmpty && !all {
			continue
		}
		out = append(out, listedRecord{Offset: rec.Offset, Length: rec.Length, Type: rec.Type.String()})
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	for _, r := range out {
		fmt.Fprintf(w, "%10d %8d %s\n", r.Offset, r.Length, r.Type)
	}
	return nil
}

var (
	keyboxFile   string
	keyboxSecret bool
	recordType   string
	recordOffset int64
	listAll      bool
	listJSON     bool
)

var keyboxCmd = &cobra.Command{
	Use:   "keybox",
	Short: "Inspect and edit keybox files",
	Long: `Commands operating on a keybox file. Changes are written to a temporary
file which then replaces the original; unless the keybox holds secret data
the previous version is kept as a backup.`,
}

var keyboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the records of the keybox",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecords(cmd.OutOrStdout(), keyboxPath(), listAll, listJSON)
	},
}

var keyboxInsertCmd = &cobra.Command{
	Use:   "insert [file]",
	Short: "Append a record read from file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseRecordType(recordType)
		if err != nil {
			return err
		}
		body, err := readBody(cmd, args[0])
		if err != nil {
			return err
		}
		return withEditor(func(e *keyboxEditor) error {
			return e.insert(keybox.Record{Type: t, Body: body})
		})
	},
}

var keyboxUpdateCmd = &cobra.Command{
	Use:   "update [file]",
	Short: "Replace the record at --offset with one read from file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := parseRecordType(recordType)
		if err != nil {
			return err
		}
		body, err := readBody(cmd, args[0])
		if err != nil {
			return err
		}
		return withEditor(func(e *keyboxEditor) error {
			return e.update(recordOffset, keybox.Record{Type: t, Body: body})
		})
	},
}

var keyboxDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Rewrite the keybox without the record at --offset",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEditor(func(e *keyboxEditor) error {
			return e.remove(recordOffset)
		})
	},
}

var keyboxTombstoneCmd = &cobra.Command{
	Use:   "tombstone",
	Short: "Mark the record at --offset as deleted in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEditor(func(e *keyboxEditor) error {
			return e.tombstone(recordOffset)
		})
	},
}

func keyboxPath() string {
	if keyboxFile != "" {
		return keyboxFile
	}
	return cfg.Keybox.Path
}

// withEditor runs fn with an editor for the configured keybox, opening the
// journal if one is configured.
func withEditor(fn func(e *keyboxEditor) error) error {
	e := &keyboxEditor{
		path:   keyboxPath(),
		secret: cfg.Keybox.Secret || keyboxSecret,
		logger: logger,
	}
	if cfg.Keybox.Journal != "" {
		store, err := journal.Open(cfg.Keybox.Journal, nil)
		if err != nil {
			return err
		}
		defer store.Close()
		e.journal = store
	}
	return fn(e)
}

func init() {
	rootCmd.AddCommand(keyboxCmd)
	keyboxCmd.PersistentFlags().StringVarP(&keyboxFile, "file", "f", "", "Keybox file (defaults to the configured path)")
	keyboxCmd.PersistentFlags().BoolVar(&keyboxSecret, "secret", false, "Treat the keybox as secret: keep no backup")

	keyboxCmd.AddCommand(keyboxListCmd)
	keyboxListCmd.Flags().BoolVar(&listAll, "all", false, "Include deleted records")
	keyboxListCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")

	for _, c := range []*cobra.Command{keyboxInsertCmd, keyboxUpdateCmd} {
		c.Flags().StringVarP(&recordType, "type", "t", "openpgp", "Record type (openpgp or x509)")
	}
	for _, c := range []*cobra.Command{keyboxUpdateCmd, keyboxDeleteCmd, keyboxTombstoneCmd} {
		c.Flags().Int64Var(&recordOffset, "offset", 0, "Offset of the record, as shown by list")
		_ = c.MarkFlagRequired("offset")
	}
	keyboxCmd.AddCommand(keyboxInsertCmd, keyboxUpdateCmd, keyboxDeleteCmd, keyboxTombstoneCmd)
}
