package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// printer writes command results as JSON or as human-readable text.
type printer struct {
	out      io.Writer
	jsonMode bool
}

func (a *app) printer(cmd *cobra.Command) *printer {
	return &printer{out: cmd.OutOrStdout(), jsonMode: a.jsonOut}
}

// JSON prints v as indented JSON regardless of mode.
func (p *printer) JSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(p.out, string(b))
	return err
}

// Result prints a success message. In JSON mode the message and fields are
// wrapped in a {"success": true, ...} object.
func (p *printer) Result(message string, fields map[string]any) error {
	if p.jsonMode {
		out := map[string]any{"success": true, "message": message}
		for k, v := range fields {
			out[k] = v
		}
		return p.JSON(out)
	}
	_, err := fmt.Fprintln(p.out, message)
	return err
}

// Table prints rows under header; JSON mode prints v instead.
func (p *printer) Table(v any, header []string, rows [][]string) error {
	if p.jsonMode {
		return p.JSON(v)
	}
	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, r := range rows {
		fmt.Fprintln(w, strings.Join(r, "\t"))
	}
	return w.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
