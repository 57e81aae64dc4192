package commands

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

type provisionOutput struct {
	URI        string    `json:"uri"`
	HostHeader string    `json:"hostHeader"`
	Port       int       `json:"port"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Obtain one relay lease and print it as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newApplication()
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			ep, err := application.Provision(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(provisionOutput{
				URI:        ep.URI,
				HostHeader: ep.HostHeader,
				Port:       ep.Port,
				ExpiresAt:  ep.ExpiresAt.UTC(),
			})
		},
	}
}
