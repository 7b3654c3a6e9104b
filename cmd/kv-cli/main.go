package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loganszeto/linekv/internal/protocol"
)

var (
	addr    string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kv-cli [COMMAND ARGS...]",
	Short: "line client for kv-server",
	Long: `kv-cli sends one command and prints the reply, or starts an interactive
prompt when no command is given. Type QUIT or EXIT to leave the prompt.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer conn.Close()

		reader := bufio.NewReader(conn)
		writer := bufio.NewWriter(conn)
		out := cmd.OutOrStdout()

		if len(args) > 0 {
			resp, err := roundTrip(reader, writer, strings.Join(args, " "))
			if err != nil {
				return err
			}
			printResponse(out, resp)
			return nil
		}
		return repl(cmd.InOrStdin(), out, reader, writer)
	},
}

func init() {
	rootCmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6380", "server address")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "connect timeout")
}

func repl(in io.Reader, out io.Writer, reader *bufio.Reader, writer *bufio.Writer) error {
	lines := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !lines.Scan() {
			return lines.Err()
		}
		line := strings.TrimSpace(lines.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") || strings.EqualFold(line, "EXIT") {
			return nil
		}
		resp, err := roundTrip(reader, writer, line)
		if err != nil {
			return err
		}
		printResponse(out, resp)
	}
}

func roundTrip(reader *bufio.Reader, writer *bufio.Writer, line string) (protocol.Response, error) {
	if _, err := writer.WriteString(line + "\n"); err != nil {
		return protocol.Response{}, fmt.Errorf("send: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return protocol.Response{}, fmt.Errorf("send: %w", err)
	}
	resp, err := protocol.ReadResponse(reader)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read: %w", err)
	}
	return resp, nil
}

func printResponse(w io.Writer, resp protocol.Response) {
	switch {
	case resp.Kind == protocol.KindError:
		fmt.Fprintln(w, "(error)", resp.Text)
	default:
		fmt.Fprintln(w, resp.String())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
