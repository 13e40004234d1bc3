package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jzx17/decodepool/pkg/message"
	"github.com/jzx17/decodepool/pkg/unit"
)

// newUnitCommand serves one decode unit on stdin and stdout. The exec
// transport of the decode command starts it as a child process.
func newUnitCommand(g *globalFlags) *cobra.Command {
	var compress bool

	cmd := &cobra.Command{
		Use:    "unit",
		Short:  "Serve a decode unit on standard input and output",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, logger, err := g.load(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			codec, err := message.NewCodec(&message.CodecConfig{
				Compress:        compress,
				MinCompressSize: message.DefaultCodecConfig().MinCompressSize,
				Level:           message.DefaultCodecConfig().Level,
			})
			if err != nil {
				return err
			}
			defer codec.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Debug("unit serving", zap.Int("pid", os.Getpid()))
			err = unit.Serve(ctx, unit.StdioConn{Reader: os.Stdin, Writer: os.Stdout}, unit.ServeOptions{
				Codec:  codec,
				Config: file.Decoder,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", false, "Compress messages with zstd")
	return cmd
}
