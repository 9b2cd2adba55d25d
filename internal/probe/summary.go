package probe

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// WriteSummary renders a small human-readable structure table: source name,
// column, type, handbook flag and up to three example values.
func WriteSummary(w io.Writer, s *Schema) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "FIELD\tCOLUMN\tTYPE\tHANDBOOK\tEXAMPLES\n")
	if s != nil {
		for _, c := range s.Columns {
			handbook := "-"
			if c.HasReference {
				handbook = c.HandbookColumn()
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", c.SourceName, c.Name, c.Domain, handbook, strings.Join(c.Examples, " | "))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if s != nil {
		for _, warn := range s.Warnings {
			if _, err := fmt.Fprintf(w, "warning: %s\n", warn); err != nil {
				return err
			}
		}
	}
	return nil
}
