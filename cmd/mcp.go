package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mcpserver "github.com/joescharf/obox/internal/mcp"
	"github.com/joescharf/obox/internal/sandbox"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the sandbox MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio exposing sandbox
tools backed by local directories under sandbox.root.

The server registers as "e2b-sandbox", so agents see its tools as
mcp__e2b-sandbox__<tool>. sandbox-fork writes a client config pointing at
this command automatically; to use it elsewhere configure:

  {
    "mcpServers": {
      "e2b-sandbox": { "command": "obox", "args": ["mcp"] }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		provider, err := sandbox.NewLocalProvider(viper.GetString("sandbox.root"))
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return mcpserver.NewServer(provider).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
