// Command anpd runs an ANP broker server: it publishes a rendezvous file,
// accepts client connections (at most one new one per worker turn), and
// echoes every incoming command back as the reply, logging channel opens,
// channel closes, incoming events and failed replies.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anp-project/anp/internal/config"
	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/worker"
	"github.com/anp-project/anp/pkg/anperr"
	"github.com/anp-project/anp/pkg/broker"
	"github.com/anp-project/anp/pkg/query"
	"github.com/anp-project/anp/pkg/wire"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:           "anpd",
		Short:         "ANP broker server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anpd:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	sink, err := logsink.NewZapSink()
	if err != nil {
		return fmt.Errorf("anpd: init logger: %w", err)
	}
	defer sink.Sync()

	exited := make(chan error, 1)
	b := broker.NewServer(sink,
		broker.WithServerOptions(
			worker.WithRendezvousDir(cfg.RendezvousDir),
			worker.WithHandshakeTimeout(cfg.HandshakeTimeout),
		),
		broker.WithOnChannelOpen(onChannelOpen(sink)),
		broker.WithOnExit(func(err error) { exited <- err }),
	)

	if err := b.Start(); err != nil {
		return fmt.Errorf("anpd: start: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		sink.Log(logsink.Info, "shutting down")
		b.TryStop()
		<-exited
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("anpd: worker exited: %w", err)
		}
	}
	return nil
}

// onChannelOpen wires each newly opened channel to echo incoming commands
// back as the reply, and logs incoming events.
func onChannelOpen(sink logsink.Sink) func(*broker.Channel) {
	return func(ch *broker.Channel) {
		sink.Log(logsink.Info, "channel opened", logsink.F("id", ch.ID()))

		ch.OnIncomingQuery = func(q *query.IncomingQuery) {
			reply := &wire.Message{Elements: q.Command.Elements}
			if err := ch.Reply(q, reply); err != nil {
				sink.Log(logsink.Warn, "reply failed", logsink.F("id", ch.ID()), logsink.F("err", err))
			}
		}
		ch.OnIncomingEvent = func(m *wire.Message) {
			sink.Log(logsink.Debug, "event received", logsink.F("channel", ch.ID()), logsink.F("type", m.Header.Type))
		}
		ch.OnClose = func(err *anperr.Error) {
			sink.Log(logsink.Info, "channel closed", logsink.F("id", ch.ID()), logsink.F("err", err))
		}
	}
}
