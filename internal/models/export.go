// Export encodings for the CLI.

package models

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// csvHeader is the stable column order downstream tooling depends on.
var csvHeader = []string{"id", "text", "done", "created_at", "updated_at"}

// WriteCSV writes todos with a fixed header row.
func WriteCSV(w io.Writer, todos []*Todo) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range todos {
		row := []string{
			strconv.FormatInt(t.ID, 10),
			t.Text,
			strconv.FormatBool(t.Done),
			t.Created.UTC().Format(time.RFC3339),
			t.Updated.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMarkdown writes todos as a task-list checklist.
func WriteMarkdown(w io.Writer, todos []*Todo) error {
	for _, t := range todos {
		box := " "
		if t.Done {
			box = "x"
		}
		if _, err := fmt.Fprintf(w, "- [%s] %s\n", box, t.Text); err != nil {
			return err
		}
	}
	return nil
}
