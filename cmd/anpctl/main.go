// Command anpctl connects to a running anpd broker via its rendezvous
// file, sends one command, prints the reply, and exits.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/anp-project/anp/internal/config"
	"github.com/anp-project/anp/internal/logsink"
	"github.com/anp-project/anp/internal/rendezvous"
	"github.com/anp-project/anp/pkg/broker"
	"github.com/anp-project/anp/pkg/query"
	"github.com/anp-project/anp/pkg/wire"
)

// pingNamespace matches the S5 query/reply scenario's example namespace.
const pingNamespace = 100

var (
	cfgFile string
	timeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "anpctl <message>",
		Short:         "Send one command to an anpd broker and print the reply",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSend,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a connection or reply")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "anpctl:", err)
		os.Exit(1)
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	path, err := rendezvous.PathIn(cfg.RendezvousDir)
	if err != nil {
		return fmt.Errorf("anpctl: resolve rendezvous path: %w", err)
	}

	sink := logsink.NewNop()
	opened := make(chan *broker.Channel, 1)
	exited := make(chan error, 1)

	b := broker.NewClient(path, sink,
		broker.WithOnChannelOpen(func(ch *broker.Channel) { opened <- ch }),
		broker.WithOnExit(func(err error) { exited <- err }),
	)
	if err := b.Start(); err != nil {
		return fmt.Errorf("anpctl: start: %w", err)
	}
	b.RequestConnect()

	var ch *broker.Channel
	select {
	case ch = <-opened:
	case err := <-exited:
		if err != nil {
			return fmt.Errorf("anpctl: %w", err)
		}
		return fmt.Errorf("anpctl: worker exited before connecting")
	case <-time.After(timeout):
		b.TryStop()
		return fmt.Errorf("anpctl: timed out connecting")
	}

	cmdMsg := &wire.Message{
		Header:   wire.Header{Type: wire.MakeType(wire.FamilyANP, wire.RoleCommand, pingNamespace)},
		Elements: []wire.Element{wire.StrElem(args[0])},
	}
	q, err := ch.SendCommand(cmdMsg)
	if err != nil {
		b.TryStop()
		return fmt.Errorf("anpctl: send: %w", err)
	}

	done := make(chan struct{}, 1)
	q.SetOnComplete(func() { done <- struct{}{} })

	select {
	case <-done:
	case <-time.After(timeout):
		ch.Cancel(q)
		b.TryStop()
		return fmt.Errorf("anpctl: timed out waiting for reply")
	}

	b.TryStop()
	<-exited

	return printReply(q)
}

func printReply(q *query.OutgoingQuery) error {
	if q.Err() != nil {
		return fmt.Errorf("anpctl: %s", q.Err().Error())
	}
	reply := q.Reply()
	if reply == nil {
		return fmt.Errorf("anpctl: query cancelled, no reply")
	}
	if len(reply.Elements) > 0 {
		if s, err := reply.Elements[0].Str(); err == nil {
			fmt.Println(s)
			return nil
		}
	}
	fmt.Printf("%+v\n", reply)
	return nil
}
