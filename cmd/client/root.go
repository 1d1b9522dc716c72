package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relaychat/internal/client"
	"github.com/Tyrowin/relaychat/internal/protocol"
)

func newRootCmd() *cobra.Command {
	var (
		addr string
		user string
	)

	cmd := &cobra.Command{
		Use:   "relaychat-client",
		Short: "Interactive relaychat client",
		Long: "relaychat-client connects to a relaychat server, prints incoming messages\n" +
			"and sends each line typed on stdin as a chat message.\n\n" + helpText,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			c, err := client.Dial(dialCtx, addr, user)
			cancel()
			if err != nil {
				return err
			}
			defer c.Close()

			return runSession(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:8080", "server address")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user identifier (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// chatConn is the part of client.Client the session drives.
type chatConn interface {
	sender
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

func runSession(ctx context.Context, c chatConn, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- receiveLoop(ctx, c, out)
		cancel()
	}()

	fmt.Fprintln(out, "Connected. Type /help for commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.Close()
			return finalError(<-recvErr)
		case line, ok := <-lines:
			if !ok {
				_ = c.Close()
				return finalError(<-recvErr)
			}
			quit, err := handleLine(c, line, out)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			if quit {
				_ = c.Close()
				<-recvErr
				return nil
			}
		}
	}
}

func receiveLoop(ctx context.Context, c chatConn, out io.Writer) error {
	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatMessage(msg))
	}
}

// finalError hides the errors that mean the session simply ended.
func finalError(err error) error {
	if err == nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
