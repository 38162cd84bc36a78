package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type pendingSession struct {
	SessionID  string
	TargetEP   string
	Idempotent bool
	RetryCount uint32
	Deadline   time.Time
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List outstanding query sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var sessions []pendingSession
			if err := httpClient.getJSON(cmd.Context(), "/sessions", &sessions); err != nil {
				return err
			}

			out, err := render(outputFormat, sessions, func() (string, error) {
				return formatSessionsTable(sessions), nil
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}

func formatSessionsTable(sessions []pendingSession) string {
	var buf strings.Builder
	w := newTableWriter(&buf)
	fmt.Fprintln(w, "SESSION-ID\tTARGET\tIDEMPOTENT\tRETRIES\tDEADLINE")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%s\n", s.SessionID, s.TargetEP, s.Idempotent, s.RetryCount, s.Deadline.Format(time.RFC3339))
	}
	w.Flush()
	return strings.TrimRight(buf.String(), "\n")
}
