// Command bansheectl is the control-channel client: it starts, stops,
// reloads, and inspects a running bansheed, mirroring fail2ban-client's
// command surface and interactive REPL.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-ips/banshee/internal/config"
	"github.com/banshee-ips/banshee/internal/controlchannel"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

var (
	flagTimeout time.Duration
	flagVerbose int
)

func main() {
	root := &cobra.Command{
		Use:   "bansheectl",
		Short: "Control client for bansheed",
	}
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 30*time.Second, "wait timeout for start/stop/restart")
	root.PersistentFlags().IntVarP(&flagVerbose, "verbose", "v", 0, "verbosity (>1 shows a wait progress bar)")

	root.AddCommand(
		pingCmd(),
		startCmd(),
		stopCmd(),
		restartCmd(),
		reloadCmd(),
		statusCmd(),
		setCmd(),
		getCmd(),
		interactiveCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func client(cfg *config.Config) *controlchannel.Client {
	return controlchannel.NewClient(cfg.SocketPath, flagVerbose)
}

func loadConfig() (*config.Config, error) {
	return config.Load()
}

// configStream turns the configured jail list into the command stream the
// control channel's "set" verb expects: one "set <jail> alive true" per
// jail, mirroring the source's read-config-then-push-as-commands handshake
// (spec §6 start/reload). No escalation settings are sent.
func configStream(cfg *config.Config) [][]string {
	var stream [][]string
	for _, jail := range cfg.Jails {
		stream = append(stream, []string{"set", jail, "alive", "true"})
	}
	return stream
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !client(cfg).Ping() {
				return fmt.Errorf("no server running at %s", cfg.SocketPath)
			}
			fmt.Println("pong")
			return nil
		},
	}
}

// startCmd execs "bansheed run" detached, then waits for the control
// channel to answer, matching the source's start semantics: verify no
// server is already running, fork the server, wait for it to come alive,
// and push the config stream plus a final "echo Server ready".
func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon and wait until it is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := client(cfg)
			if c.Ping() {
				return fmt.Errorf("a server is already running at %s", cfg.SocketPath)
			}
			if _, err := os.Stat(cfg.SocketPath); err == nil && !cfg.SocketForce {
				return fmt.Errorf("unexpected state: socket %s exists but server did not respond", cfg.SocketPath)
			}

			bin, err := exec.LookPath("bansheed")
			if err != nil {
				bin = "bansheed"
			}
			proc := exec.Command(bin, "run")
			proc.Stdout = os.Stdout
			proc.Stderr = os.Stderr
			if err := proc.Start(); err != nil {
				return fmt.Errorf("fork bansheed: %w", err)
			}

			return c.Start(configStream(cfg), flagTimeout)
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return client(cfg).Stop(flagTimeout)
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop then start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := client(cfg)
			if err := c.Stop(flagTimeout); err != nil {
				return err
			}
			if err := c.WaitGone(flagTimeout); err != nil {
				return err
			}
			return startCmd().RunE(nil, nil)
		},
	}
}

func reloadCmd() *cobra.Command {
	var jail string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration, optionally scoped to one jail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return client(cfg).Reload(jail, configStream(cfg))
		},
	}
	cmd.Flags().StringVar(&jail, "jail", "", "restrict reload to this jail")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reply, err := client(cfg).Send([]string{"status"})
			if err != nil {
				return err
			}
			if reply.Status != 0 {
				return fmt.Errorf("%s", reply.Payload)
			}
			fmt.Println(reply.Payload)
			return nil
		},
	}
}

func setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <jail> <key> <value>",
		Short: "Set a jail's runtime parameter",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reply, err := client(cfg).Send(append([]string{"set"}, args...))
			if err != nil {
				return err
			}
			if reply.Status != 0 {
				return fmt.Errorf("%s", reply.Payload)
			}
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <jail> <key>",
		Short: "Read a jail's runtime parameter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reply, err := client(cfg).Send(append([]string{"get"}, args...))
			if err != nil {
				return err
			}
			if reply.Status != 0 {
				return fmt.Errorf("%s", reply.Payload)
			}
			fmt.Println(reply.Payload)
			return nil
		},
	}
}

// interactiveCmd implements the "interactive" REPL (fail2ban-client's -i
// mode): a "banshee> " prompt that sends whitespace-split commands over the
// control channel until exit/quit.
func interactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Enter an interactive command prompt",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runREPL(client(cfg))
		},
	}
}

func runREPL(c *controlchannel.Client) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("banshee> ")
		if !scanner.Scan() {
			fmt.Println()
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Println("commands: ping, status, stop, set <jail> <key> <value>, get <jail> <key>, exit, quit")
			continue
		}
		reply, err := c.Send(strings.Fields(line))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if reply.Status != 0 {
			fmt.Fprintf(os.Stderr, "error: %s\n", reply.Payload)
			continue
		}
		if reply.Payload != "" {
			fmt.Println(reply.Payload)
		}
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bansheectl %s\n", Version)
		},
	}
}
