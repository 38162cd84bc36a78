package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	RouterState string `json:"router_state"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the router's current lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp statusResponse
			if err := httpClient.getJSON(cmd.Context(), "/status", &resp); err != nil {
				return err
			}

			out, err := render(outputFormat, resp, func() (string, error) {
				return fmt.Sprintf("router state: %s", resp.RouterState), nil
			})
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
