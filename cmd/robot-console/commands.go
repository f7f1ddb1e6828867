package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/thebranchdriftcatalyst/robot-console/internal/config"
	"github.com/thebranchdriftcatalyst/robot-console/internal/endpoint"
	"github.com/thebranchdriftcatalyst/robot-console/internal/motion"
	"github.com/thebranchdriftcatalyst/robot-console/internal/robotapi"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// runStartGrace is how long "script run --follow" waits for the robot to
// report the script as running before trusting an idle status
const runStartGrace = 3 * time.Second

// ErrInvalidIP is returned by "ip set" for anything but a dotted IPv4 address
var ErrInvalidIP = errors.New("invalid IPv4 address")

// robotCall loads the configuration, builds a client and runs fn with the
// command's context. Each request is bounded by the client's request timeout.
func robotCall(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, client *robotapi.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupCLILogging(cfg.LogLevel)
	client := robotapi.NewClient(endpoint.NewResolver(cfg.RobotHost, cfg.RobotPort), cfg.RequestTimeout, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, cfg, client)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the robot's motion status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				resp, err := client.Status(ctx)
				if err != nil {
					return fmt.Errorf("fetch status: %w", err)
				}
				st := motion.DeviceStatus{IsMoving: resp.IsMoving, LastCommand: resp.LastCommand, CameraFacing: resp.CameraFacing}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "moving:       %t\n", st.IsMoving)
				fmt.Fprintf(out, "last command: %s\n", st.LastCommand)
				fmt.Fprintf(out, "camera:       %s\n", st.CameraName())
				return nil
			})
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the robot's API server answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				start := time.Now()
				resp, err := client.ServerStatus(ctx)
				if err != nil {
					return fmt.Errorf("ping %s: %w", client.Resolver().BaseURL(), err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) in %s\n",
					client.Resolver().BaseURL(), resp.Status, resp.Server, time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func newMotionCmd(use, short string, send func(ctx context.Context, d *motion.Dispatcher, dir motion.Direction, speed float64) error) *cobra.Command {
	var speed float64

	cmd := &cobra.Command{
		Use:   use + " <direction>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				d := motion.NewDispatcher(client, setupCLILogging(logLevel))
				return send(ctx, d, motion.Direction(strings.ToLower(args[0])), speed)
			})
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", motion.DefaultSpeed, "Speed in [0,1]; out-of-range values are clamped")
	return cmd
}

func newMoveCmd() *cobra.Command {
	return newMotionCmd("move", "Move forward, backward, left or right",
		func(ctx context.Context, d *motion.Dispatcher, dir motion.Direction, speed float64) error {
			return d.Move(ctx, dir, speed)
		})
}

func newRotateCmd() *cobra.Command {
	return newMotionCmd("rotate", "Rotate left or right in place",
		func(ctx context.Context, d *motion.Dispatcher, dir motion.Direction, speed float64) error {
			return d.Rotate(ctx, dir, speed)
		})
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop all motion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				return motion.NewDispatcher(client, setupCLILogging(logLevel)).Stop(ctx)
			})
		},
	}
}

func newCameraCmd() *cobra.Command {
	cameraCmd := &cobra.Command{
		Use:   "camera",
		Short: "Camera control",
	}
	cameraCmd.AddCommand(&cobra.Command{
		Use:   "switch",
		Short: "Toggle between the front and back camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				return motion.NewDispatcher(client, setupCLILogging(logLevel)).SwitchCamera(ctx)
			})
		},
	})
	return cameraCmd
}

func newScriptCmd() *cobra.Command {
	scriptCmd := &cobra.Command{
		Use:   "script",
		Short: "Manage the robot's stored script",
	}

	getCmd := &cobra.Command{
		Use:   "get",
		Short: "Print the stored script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				resp, err := client.Script(ctx)
				if err != nil {
					return fmt.Errorf("fetch script: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), resp.Script)
				return nil
			})
		},
	}

	saveCmd := &cobra.Command{
		Use:   "save <file>",
		Short: "Store a script file on the robot (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readScript(cmd, args[0])
			if err != nil {
				return err
			}
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				if err := client.SaveScript(ctx, text); err != nil {
					return fmt.Errorf("save script: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d bytes\n", len(text))
				return nil
			})
		},
	}

	var follow bool
	runCmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a script file, or the stored script when no file is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			if len(args) == 1 {
				var err error
				if text, err = readScript(cmd, args[0]); err != nil {
					return err
				}
			}
			return robotCall(cmd, func(ctx context.Context, cfg *config.Config, client *robotapi.Client) error {
				if len(args) == 0 {
					resp, err := client.Script(ctx)
					if err != nil {
						return fmt.Errorf("fetch stored script: %w", err)
					}
					text = resp.Script
				}
				if err := client.RunScript(ctx, text); err != nil {
					return fmt.Errorf("run script: %w", err)
				}
				if !follow {
					fmt.Fprintln(cmd.OutOrStdout(), "started")
					return nil
				}
				return followScript(ctx, cmd.OutOrStdout(), client, cfg.PollInterval, runStartGrace)
			})
		},
	}
	runCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream output until the script finishes")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running script",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				if err := client.StopScript(ctx); err != nil {
					return fmt.Errorf("stop script: %w", err)
				}
				return nil
			})
		},
	}

	var statusFollow bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print whether a script runs and its output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, cfg *config.Config, client *robotapi.Client) error {
				if statusFollow {
					return followScript(ctx, cmd.OutOrStdout(), client, cfg.PollInterval, 0)
				}
				resp, err := client.ScriptStatus(ctx)
				if err != nil {
					return fmt.Errorf("fetch script status: %w", err)
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	statusCmd.Flags().BoolVarP(&statusFollow, "follow", "f", false, "Stream output until the script finishes")

	scriptCmd.AddCommand(getCmd, saveCmd, runCmd, stopCmd, statusCmd)
	return scriptCmd
}

func readScript(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read script %s: %w", path, err)
	}
	return string(data), nil
}

// followScript polls the run state and prints output as it grows. It
// returns once the script is no longer running. Failed polls are skipped.
// followScript prints script output as it grows until the robot reports the
// script idle. Statuses are ignored until one poll has seen the script running
// or startGrace has passed.
func followScript(ctx context.Context, w io.Writer, client *robotapi.Client, interval, startGrace time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	started := startGrace <= 0
	graceEnds := time.Now().Add(startGrace)
	printed := ""
	for {
		resp, err := client.ScriptStatus(ctx)
		if err == nil {
			if resp.Running {
				started = true
			}
			// Before the run shows up the status still describes the last one
			if started || time.Now().After(graceEnds) {
				out := resp.Output
				if strings.HasPrefix(out, printed) {
					fmt.Fprint(w, out[len(printed):])
				} else {
					// Output was reset by a new run
					fmt.Fprint(w, out)
				}
				printed = out

				if !resp.Running {
					if resp.Error != "" {
						return fmt.Errorf("script failed: %s", resp.Error)
					}
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newIPCmd() *cobra.Command {
	ipCmd := &cobra.Command{
		Use:   "ip",
		Short: "Read or set the motor-controller IP stored on the robot",
	}

	ipCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the stored robot IP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				resp, err := client.RobotIP(ctx)
				if err != nil {
					return fmt.Errorf("fetch robot IP: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.RobotIP)
				return nil
			})
		},
	})

	ipCmd.AddCommand(&cobra.Command{
		Use:   "set <ip>",
		Short: "Store a new robot IP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := strings.TrimSpace(args[0])
			if err := validateIPv4(ip); err != nil {
				return err
			}
			return robotCall(cmd, func(ctx context.Context, _ *config.Config, client *robotapi.Client) error {
				ok, err := client.SetRobotIP(ctx, ip)
				if err != nil {
					return fmt.Errorf("save robot IP: %w", err)
				}
				if !ok {
					return fmt.Errorf("robot rejected IP %s", ip)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Saved")
				return nil
			})
		},
	})
	return ipCmd
}

func validateIPv4(ip string) error {
	if errs := validation.IsValidIPv4Address(field.NewPath("ip"), ip); len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidIP, errs.ToAggregate().Error())
	}
	return nil
}
