package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

type queueSummary struct {
	EP              string         `json:"ep"`
	Depth           int            `json:"depth"`
	DepthByPriority map[string]int `json:"depth_by_priority"`
}

func queuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Show message queue depths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var queues []queueSummary
			if err := httpClient.getJSON(cmd.Context(), "/queues", &queues); err != nil {
				return err
			}

			out, err := render(outputFormat, queues, func() (string, error) {
				return formatQueuesTable(queues), nil
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func formatQueuesTable(queues []queueSummary) string {
	var buf strings.Builder
	w := newTableWriter(&buf)
	fmt.Fprintln(w, "QUEUE\tDEPTH\tBY-PRIORITY")
	for _, q := range queues {
		priorities := make([]string, 0, len(q.DepthByPriority))
		for p, n := range q.DepthByPriority {
			priorities = append(priorities, fmt.Sprintf("%s=%d", p, n))
		}
		sort.Strings(priorities)
		fmt.Fprintf(w, "%s\t%d\t%s\n", q.EP, q.Depth, strings.Join(priorities, ", "))
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}
