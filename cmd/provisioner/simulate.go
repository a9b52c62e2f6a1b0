package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"node-provisioner/internal/sim"
)

func newSimulateCmd(a *app) *cobra.Command {
	var (
		listen  string
		wsAddr  string
		serial  string
		model   string
		origins []string
	)
	cmd := &cobra.Command{
		Use:   "simulate [node]",
		Short: "Serve a simulated instrument over TCP and/or websocket",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" && wsAddr == "" {
				return fmt.Errorf("--listen or --ws is required")
			}
			nc := NodeConfig{Name: "simulated", Type: "sim", Serial: serial, Model: model}
			if len(args) == 1 {
				var err error
				if nc, err = a.cfg.node(args[0]); err != nil {
					return err
				}
				if nc.Type != "sim" {
					return fmt.Errorf("node %s is not a simulated node", nc.Name)
				}
			}
			node := simNode(nc, a.logger)
			srv := sim.NewServer(node, a.logger, sim.WithAllowedOrigins(origins))

			eg, ctx := errgroup.WithContext(cmd.Context())
			if listen != "" {
				ln, err := net.Listen("tcp", listen)
				if err != nil {
					return err
				}
				a.logger.Info("simulated node listening", "addr", ln.Addr().String(), "serial", nc.Serial)
				eg.Go(func() error { return srv.Serve(ctx, ln) })
			}
			if wsAddr != "" {
				hs := &http.Server{Addr: wsAddr, Handler: srv, ReadHeaderTimeout: 10 * time.Second}
				a.logger.Info("simulated node websocket", "addr", wsAddr, "serial", nc.Serial)
				eg.Go(func() error {
					if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				eg.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return hs.Shutdown(shutdownCtx)
				})
			}
			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "raw socket address, e.g. 127.0.0.1:5025")
	cmd.Flags().StringVar(&wsAddr, "ws", "", "websocket address, e.g. :8080")
	cmd.Flags().StringVar(&serial, "serial", "0000000", "serial number when no node is named")
	cmd.Flags().StringVar(&model, "model", "SIM", "model when no node is named")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "allowed websocket origin patterns")
	return cmd
}
