package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opd-ai/fileferry/discovery"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List fileferry servers announced on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			servers, err := discovery.Browse(ctx)
			if err != nil {
				return err
			}
			printServers(cmd.OutOrStdout(), servers)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", discoverTimeout, "how long to listen for announcements")
	return cmd
}

func printServers(w io.Writer, servers []discovery.Server) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "no servers found")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tHOST\tADDRESS\tTRANSPORTS")
	for _, s := range servers {
		address := "-"
		if len(s.IPs) > 0 {
			address = s.IPs[0].String()
		}

		transports := make([]string, 0, len(s.Ports))
		for name, port := range s.Ports {
			transports = append(transports, fmt.Sprintf("%s/%d", name, port))
		}
		sort.Strings(transports)

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Instance, s.Host, address, strings.Join(transports, " "))
	}
	tw.Flush()
}
