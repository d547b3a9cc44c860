package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/ctdbgo/recoverd/internal/ctdbproto"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatStatus(st statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal status to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Local NID:\t%d\n", st.LocalNID)
		fmt.Fprintf(w, "Active Nodes:\t%d\n", st.NumActive)
		fmt.Fprintf(w, "Generation:\t%d\n", st.Generation)
		fmt.Fprintf(w, "Recovery Count:\t%d\n", st.RecoveryCount)
		fmt.Fprintf(w, "Last Recovery:\t%s\n", orNA(st.LastRecovery))
		fmt.Fprintf(w, "Last Reason:\t%s\n", orNA(st.LastReason))
		fmt.Fprintf(w, "Last Error:\t%s\n", orNA(st.LastError))
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatNodeMap(nm ctdbproto.NodeMap, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(nm, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal node map to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NID\tCONNECTED")
		for _, n := range nm.Nodes {
			fmt.Fprintf(w, "%d\t%v\n", n.NID, n.Connected())
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatVNNMap(vnn ctdbproto.RoutingMap, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(vnn, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal routing map to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Generation:\t%d\n", vnn.Generation)
		fmt.Fprintf(w, "Size:\t%d\n", vnn.Size)

		ids := make([]string, len(vnn.Sequence))
		for i, nid := range vnn.Sequence {
			ids[i] = strconv.FormatUint(uint64(nid), 10)
		}
		fmt.Fprintf(w, "Sequence:\t%s\n", strings.Join(ids, ","))

		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func orNA(s string) string {
	if s == "" {
		return valueNA
	}
	return s
}
