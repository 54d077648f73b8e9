package main

import (
	"context"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/queue"
)

// newWatchCommand tails the table update exchange, which is handy when
// checking that several server processes publish a consistent sequence.
func newWatchCommand(logger pslog.Logger) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Log table updates from the broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				url = queue.BrokerURL()
			}
			log := logger.With("component", "watch")
			return queue.Consume(cmd.Context(), url, func(_ context.Context, ev queue.TableUpdatedEvent) error {
				log.Info("table.update", "table_id", ev.TableID, "version", ev.Version, "closed", ev.Closed, "at", ev.At)
				return nil
			}, log)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "AMQP url (default RABBITMQ_URL)")
	return cmd
}
