package commands

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type memberStatus struct {
	EP         string
	Mode       string
	Properties map[string]string
	OnlineTime time.Time
}

type clusterStatus struct {
	MasterEP         string
	Members          map[string]memberStatus
	GlobalProperties map[string]string
}

type clusterResponse struct {
	State  string
	Status clusterStatus
}

func clusterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cluster",
		Short: "Show cluster membership and election state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp clusterResponse
			if err := httpClient.getJSON(cmd.Context(), "/cluster", &resp); err != nil {
				return err
			}

			out, err := render(outputFormat, resp, func() (string, error) {
				return formatClusterTable(resp), nil
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func formatClusterTable(resp clusterResponse) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "local state: %s\n", resp.State)
	fmt.Fprintf(&buf, "master:      %s\n\n", resp.Status.MasterEP)

	eps := make([]string, 0, len(resp.Status.Members))
	for ep := range resp.Status.Members {
		eps = append(eps, ep)
	}
	sort.Strings(eps)

	w := newTableWriter(&buf)
	fmt.Fprintln(w, "MEMBER\tMODE\tONLINE-SINCE")
	for _, ep := range eps {
		m := resp.Status.Members[ep]
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.EP, m.Mode, m.OnlineTime.Format(time.RFC3339))
	}
	w.Flush()

	return strings.TrimRight(buf.String(), "\n")
}
