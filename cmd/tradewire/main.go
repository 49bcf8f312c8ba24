package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/tradewire/tradewire/client"
)

// These variables are populated via the Go linker.
var (
	version string
	commit  string
	branch  string
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tradewire",
		Usage: "Publish alerts and inspect a running tradewired server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "url",
				Usage:   "URL of the tradewired HTTP API",
				Value:   client.DefaultURL,
				EnvVars: []string{"TRADEWIRE_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for an auth-enabled server",
				EnvVars: []string{"TRADEWIRE_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "skipVerify",
				Usage:   "Do not verify the server TLS certificate",
				EnvVars: []string{"TRADEWIRE_UNSAFE_SSL"},
			},
		},
		Before: withClient,
		Commands: []*cli.Command{
			newPingCmd(),
			newPublishCmd(),
			newChannelsCmd(),
			newGroupsCmd(),
			newCommandsCmd(),
			newInjectCmd(),
			newVersionCmd(),
		},
	}
}

func withClient(ctx *cli.Context) error {
	cl, err := client.New(client.Config{
		URL:                ctx.String("url"),
		Token:              ctx.String("token"),
		InsecureSkipVerify: ctx.Bool("skipVerify"),
	})
	if err != nil {
		return err
	}
	ctx.App.Metadata["client"] = cl
	return nil
}

func getClient(ctx *cli.Context) *client.Client {
	cl, ok := ctx.App.Metadata["client"].(*client.Client)
	if !ok {
		panic("missing API client")
	}
	return cl
}

func newPingCmd() *cli.Command {
	return &cli.Command{
		Name:  "ping",
		Usage: "Check connectivity to the server",
		Action: func(ctx *cli.Context) error {
			latency, v, err := getClient(ctx).Ping()
			if err != nil {
				return err
			}
			fmt.Fprintf(ctx.App.Writer, "pong (version %s, latency %v)\n", v, latency)
			return nil
		},
	}
}

func newPublishCmd() *cli.Command {
	var (
		group    string
		metadata cli.StringSlice
	)
	return &cli.Command{
		Name:      "publish",
		Usage:     "Publish an alert to a routing group",
		ArgsUsage: "[message body]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "group",
				Aliases:     []string{"g"},
				Usage:       "routing group to deliver to (required)",
				Destination: &group,
				Required:    true,
			},
			&cli.StringSliceFlag{
				Name:        "meta",
				Aliases:     []string{"m"},
				Usage:       "alert metadata as key=value, may be repeated",
				Destination: &metadata,
			},
		},
		Action: func(ctx *cli.Context) error {
			body := strings.Join(ctx.Args().Slice(), " ")
			if body == "" {
				return errors.New("message body required")
			}
			meta, err := parseMetadata(metadata.Value())
			if err != nil {
				return err
			}
			res, err := getClient(ctx).PublishAlert(client.Alert{
				Group:    group,
				Body:     body,
				Metadata: meta,
			})
			if err != nil {
				return err
			}
			printRouteResult(ctx.App.Writer, res)
			return nil
		},
	}
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]string, len(pairs))
	for _, p := range pairs {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid metadata %q, expected key=value", p)
		}
		meta[kv[0]] = kv[1]
	}
	return meta, nil
}

func printRouteResult(w io.Writer, res client.RouteResult) {
	fmt.Fprintf(w, "Routed to group %s at level %s\n", res.Group, res.Level)
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "Destination\tStatus\tLatency\tError")
	for _, r := range res.Results {
		status := "ok"
		if !r.OK {
			status = r.Kind
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1fms\t%s\n", r.Destination, status, r.LatencyMS, r.Error)
	}
	tw.Flush()
}

func newChannelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "channels",
		Usage: "List the registered channels and their delivery health",
		Action: func(ctx *cli.Context) error {
			channels, err := getClient(ctx).ListChannels()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(ctx.App.Writer, 0, 8, 1, ' ', 0)
			fmt.Fprintln(tw, "Name\tReceiving\tUp\tLast Success\tLast Failure")
			for _, ch := range channels {
				up, lastSuccess, lastFailure := "-", "-", "-"
				if ch.Health != nil {
					up = fmt.Sprintf("%t", ch.Health.Up)
					lastSuccess = humanTime(ch.Health.LastSuccess)
					lastFailure = humanTime(ch.Health.LastFailure)
				}
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%s\n", ch.Name, ch.Receiving, up, lastSuccess, lastFailure)
			}
			return tw.Flush()
		},
	}
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func newGroupsCmd() *cli.Command {
	return &cli.Command{
		Name:      "groups",
		Usage:     "List routing groups, or the destinations of one group",
		ArgsUsage: "[group]",
		Action: func(ctx *cli.Context) error {
			w := ctx.App.Writer
			if name := ctx.Args().First(); name != "" {
				g, err := getClient(ctx).Group(name)
				if err != nil {
					return err
				}
				for _, d := range g.Destinations {
					fmt.Fprintln(w, d)
				}
				return nil
			}

			groups, err := getClient(ctx).ListGroups()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
			fmt.Fprintln(tw, "Group\tDestinations")
			for _, g := range groups {
				fmt.Fprintf(tw, "%s\t%s\n", g.Name, strings.Join(g.Destinations, ", "))
			}
			return tw.Flush()
		},
	}
}

func newCommandsCmd() *cli.Command {
	return &cli.Command{
		Name:  "commands",
		Usage: "List the commands the server responds to",
		Action: func(ctx *cli.Context) error {
			cmds, err := getClient(ctx).ListCommands()
			if err != nil {
				return err
			}
			for _, name := range cmds.Commands {
				fmt.Fprintln(ctx.App.Writer, cmds.Prefix+name)
			}
			return nil
		},
	}
}

func newInjectCmd() *cli.Command {
	var (
		channelName string
		destination string
		sender      string
	)
	return &cli.Command{
		Name:      "inject",
		Usage:     "Inject a raw inbound message as if a transport had received it",
		ArgsUsage: "[message text]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "channel",
				Aliases:     []string{"c"},
				Usage:       "channel the message pretends to arrive on (required)",
				Destination: &channelName,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "to",
				Usage:       "destination id replies are sent to",
				Destination: &destination,
			},
			&cli.StringFlag{
				Name:        "from",
				Usage:       "sender id recorded on the message",
				Destination: &sender,
			},
		},
		Action: func(ctx *cli.Context) error {
			text := strings.Join(ctx.Args().Slice(), " ")
			if text == "" {
				return errors.New("message text required")
			}
			res, err := getClient(ctx).InjectMessage(client.Message{
				Channel:     channelName,
				Destination: destination,
				Sender:      sender,
				Text:        text,
			})
			if err != nil {
				return err
			}
			w := ctx.App.Writer
			if !res.Command {
				fmt.Fprintln(w, "message was not a command")
				return nil
			}
			fmt.Fprintf(w, "status: %s\n", res.Status)
			if res.Reply != "" {
				fmt.Fprintf(w, "reply: %s\n", res.Reply)
			}
			if res.Error != "" {
				fmt.Fprintf(w, "error: %s\n", res.Error)
			}
			return nil
		},
	}
}

func newVersionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Display the TradeWire version",
		Action: func(ctx *cli.Context) error {
			fmt.Fprintf(ctx.App.Writer, "TradeWire version %s (git: %s %s)\n", version, branch, commit)
			return nil
		},
	}
}
