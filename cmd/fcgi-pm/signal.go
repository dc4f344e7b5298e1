package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-fcgi/pkg/procmgr"
)

var signalCmd = &cobra.Command{
	Use:   "signal OP PATH",
	Short: "Post a signal message to a running pool manager",
	Long: `Post one message on the signal pipe of a running fcgi-pm serve.

OP is start, restart, timeout or complete. complete needs --queue-us and
--run-us.

Example:
  fcgi-pm signal restart /srv/bin/app.fcgi --fifo /run/fcgi-pm/signals
`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

func init() {
	signalCmd.Flags().String("fifo", "", "Signal pipe of the pool manager")
	signalCmd.Flags().String("user", "", "User of the class")
	signalCmd.Flags().String("group", "", "Group of the class")
	signalCmd.Flags().Int64("queue-us", 0, "Queue time in microseconds (complete)")
	signalCmd.Flags().Int64("run-us", 0, "Run time in microseconds (complete)")
	signalCmd.MarkFlagRequired("fifo")
}

func runSignal(cmd *cobra.Command, args []string) error {
	op, err := procmgr.ParseOpcode(args[0])
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	msg := procmgr.Message{Op: op, Class: procmgr.ClassID{Path: args[1]}}
	msg.Class.User, _ = flags.GetString("user")
	msg.Class.Group, _ = flags.GetString("group")
	msg.QueueMicros, _ = flags.GetInt64("queue-us")
	msg.RunMicros, _ = flags.GetInt64("run-us")

	fifo, _ := flags.GetString("fifo")
	poster, err := procmgr.OpenFIFOPoster(fifo)
	if err != nil {
		return err
	}
	defer poster.Close()

	if err := poster.Post(msg); err != nil {
		return fmt.Errorf("failed to post %s for %s: %w", op, msg.Class, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "posted %s %s\n", op, msg.Class)
	return nil
}
