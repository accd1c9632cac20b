package logstore

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Format selects an export encoding.
type Format string

const (
	FormatText Format = "txt"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat maps a user-supplied string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "txt", "text", "":
		return FormatText, nil
	case "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("logstore: unknown export format %q", s)
	}
}

// ContentType returns the HTTP media type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Export queries records matching filter and writes them to w in the
// given format. Text and CSV rows are written oldest first.
func (s *Store) Export(ctx context.Context, w io.Writer, format Format, filter Filter) error {
	recs, err := s.Query(ctx, filter)
	if err != nil {
		return err
	}
	// Query returns newest first; exports read better chronologically.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}

	switch format {
	case FormatCSV:
		return exportCSV(w, recs)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	default:
		return exportText(w, recs)
	}
}

func exportText(w io.Writer, recs []Record) error {
	for _, r := range recs {
		line := fmt.Sprintf("[%s] %s", r.Timestamp.Format("2006-01-02 15:04:05"), strings.ToUpper(r.Level))
		if r.AccountID != "" {
			line += " [" + r.AccountID + "]"
		}
		if r.Component != "" {
			line += " " + r.Component + ":"
		}
		line += " " + r.Message
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func exportCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "account_id", "component", "message", "details"}); err != nil {
		return err
	}
	for _, r := range recs {
		row := []string{
			r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			r.Level,
			r.AccountID,
			r.Component,
			r.Message,
			r.Details,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
