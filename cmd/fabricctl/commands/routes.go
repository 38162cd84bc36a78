package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type physicalRoute struct {
	PeerEP               string
	ChannelEP            string
	LastSeen             time.Time
	LogicalEndpointSetID string
}

type logicalRoute struct {
	Pattern string
	Targets map[string]int
}

type routeSnapshot struct {
	Physical []physicalRoute
	Logical  []logicalRoute
}

func routesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List physical and logical route table entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snap routeSnapshot
			if err := httpClient.getJSON(cmd.Context(), "/routes", &snap); err != nil {
				return err
			}

			out, err := render(outputFormat, snap, func() (string, error) {
				return formatRoutesTable(snap), nil
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func formatRoutesTable(snap routeSnapshot) string {
	var buf strings.Builder

	buf.WriteString("PHYSICAL ROUTES\n")
	w := newTableWriter(&buf)
	fmt.Fprintln(w, "PEER\tCHANNEL\tLAST-SEEN\tSET-ID")
	for _, r := range snap.Physical {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.PeerEP, r.ChannelEP, r.LastSeen.Format(time.RFC3339), r.LogicalEndpointSetID)
	}
	w.Flush()

	buf.WriteString("\nLOGICAL ROUTES\n")
	w = newTableWriter(&buf)
	fmt.Fprintln(w, "PATTERN\tTARGETS")
	for _, r := range snap.Logical {
		targets := make([]string, 0, len(r.Targets))
		for ep, dist := range r.Targets {
			targets = append(targets, fmt.Sprintf("%s(d=%d)", ep, dist))
		}
		fmt.Fprintf(w, "%s\t%s\n", r.Pattern, strings.Join(targets, ", "))
	}
	w.Flush()

	return strings.TrimRight(buf.String(), "\n")
}
