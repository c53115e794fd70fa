package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/code-payments/iap-bridge/bridge"
)

type clientFlags struct {
	address string
	tls     bool
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.address, "addr", "localhost:8085", "bridge address")
	cmd.Flags().BoolVar(&f.tls, "tls", false, "connect with TLS")
}

func (f *clientFlags) dial() (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if f.tls {
		creds = credentials.NewTLS(nil)
	}
	return grpc.NewClient(f.address, grpc.WithTransportCredentials(creds))
}

func newCallCommand() *cobra.Command {
	var (
		flags   clientFlags
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [json-arguments]",
		Short: "Invoke a bridge method",
		Example: `  iap-bridge call openConnection
  iap-bridge call getProducts '{"skus":["coins"]}'
  iap-bridge call finishTransaction '{"sku":"coins"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &arguments); err != nil {
					return fmt.Errorf("invalid arguments: %w", err)
				}
			}

			cc, err := flags.dial()
			if err != nil {
				return fmt.Errorf("failed to create connection: %w", err)
			}
			defer cc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			result, err := bridge.NewClient(cc).Invoke(ctx, args[0], arguments)
			if err != nil {
				if e := bridge.ErrorFromStatus(err); e != nil {
					return fmt.Errorf("%s: %s", e.Code, e.Message)
				}
				return err
			}

			out, err := protojson.MarshalOptions{Multiline: true}.Marshal(result)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	flags.bind(cmd)
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "call timeout")

	return cmd
}

func newEventsCommand() *cobra.Command {
	var (
		flags     clientFlags
		showPings bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the bridge event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := flags.dial()
			if err != nil {
				return fmt.Errorf("failed to create connection: %w", err)
			}
			defer cc.Close()

			stream, err := bridge.NewClient(cc).StreamEvents(cmd.Context())
			if err != nil {
				return err
			}

			for {
				frame, err := stream.Recv()
				if err != nil {
					return err
				}
				if bridge.IsPing(frame) && !showPings {
					continue
				}

				out, err := protojson.Marshal(frame)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&showPings, "pings", false, "also print keepalive pings")

	return cmd
}
