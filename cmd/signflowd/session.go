package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	signflowapi "github.com/aegis-sign/signflow/internal/api"
)

func newSessionCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Query a running signflowd over gRPC",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "signflowd gRPC address")

	withClient := func(run func(ctx context.Context, client *signflowapi.Client, out io.Writer, id string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return err
			}
			defer conn.Close()
			return run(cmd.Context(), signflowapi.NewClient(conn), cmd.OutOrStdout(), args[0])
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "get <session-id>",
			Short: "Print the current session snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, client *signflowapi.Client, out io.Writer, id string) error {
				snap, err := client.Get(ctx, id)
				if err != nil {
					return err
				}
				return printStruct(out, snap)
			}),
		},
		&cobra.Command{
			Use:   "cancel <session-id>",
			Short: "Cancel a session that has not reached finalization",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, client *signflowapi.Client, out io.Writer, id string) error {
				resp, err := client.Cancel(ctx, id)
				if err != nil {
					return err
				}
				return printStruct(out, resp)
			}),
		},
		&cobra.Command{
			Use:   "watch <session-id>",
			Short: "Stream session snapshots until the session terminates",
			Args:  cobra.ExactArgs(1),
			RunE: withClient(func(ctx context.Context, client *signflowapi.Client, out io.Writer, id string) error {
				return client.Watch(ctx, id, func(snap *structpb.Struct) error {
					return printStruct(out, snap)
				})
			}),
		},
	)
	return cmd
}

func printStruct(out io.Writer, msg *structpb.Struct) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(raw))
	return err
}
