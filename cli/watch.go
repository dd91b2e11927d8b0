package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dotracing/table"
)

const redrawInterval = 500 * time.Millisecond

type WatchOptions struct {
	*RootOptions
	URL    string
	Limit  int
	Filter map[string]string
}

// NewWatchCommand prints a live game or score table fed by the change stream.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch <games|scores>",
		Short: "Follow a live table",
		Long: `Subscribe to the games or scores collection and redraw the table on
every change.

Example:
  dotracing watch games --url ws://localhost:3000/socket
  dotracing watch scores --limit 20`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"games", "scores"},
		RunE: func(cmd *cobra.Command, args []string) error {
			view, err := viewFor(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "unknown table", err)
			}
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, view, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:3000/socket", "websocket endpoint of the server")
	cmd.Flags().IntVar(&opts.Limit, "limit", 10, "window size")
	cmd.Flags().StringToStringVar(&opts.Filter, "filter", nil, "field equality filter, e.g. status=new")

	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type view struct {
	collection string
	opts       table.Options
	render     func(w io.Writer, rows []table.Record, now time.Time) error
}

func viewFor(name string) (view, error) {
	switch name {
	case "games", "game":
		return view{collection: "game", opts: table.Options{PK: "id", SortBy: "createdAt"}, render: renderGames}, nil
	case "scores", "score":
		return view{collection: "score", opts: table.Options{PK: "id", SortBy: "finish"}, render: renderScores}, nil
	}
	return view{}, fmt.Errorf("%q: must be games or scores", name)
}

func runWatch(ctx context.Context, opts *WatchOptions, v view, out io.Writer) error {
	socket, err := table.Dial(ctx, opts.URL, nil)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer socket.Close()

	binding := table.NewClient(socket).Bind(v.collection, v.opts)
	defer binding.Unbind()

	dirty := make(chan struct{}, 1)
	off := socket.On(v.collection+":changes:"+binding.ListenerID(), func(json.RawMessage) {
		select {
		case dirty <- struct{}{}:
		default:
		}
	})
	defer off()

	if err := binding.Watch(ctx, parseFilter(opts.Filter), opts.Limit); err != nil {
		return WrapExitError(ExitFailure, "failed to watch "+v.collection, err)
	}

	ticker := time.NewTicker(redrawInterval)
	defer ticker.Stop()

	pending := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-dirty:
			pending = true
		case <-ticker.C:
			if !pending {
				continue
			}
			pending = false
			fmt.Fprintln(out)
			if err := v.render(out, binding.Rows(), time.Now()); err != nil {
				return err
			}
		}
	}
}

// parseFilter turns flag strings into booleans or numbers where they parse as such.
func parseFilter(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, s := range in {
		if b, err := strconv.ParseBool(s); err == nil {
			out[k] = b
			continue
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out[k] = f
			continue
		}
		out[k] = s
	}
	return out
}

func str(r table.Record, key string) string {
	if s, ok := r[key].(string); ok {
		return s
	}
	return ""
}

func num(r table.Record, key string) float64 {
	if f, ok := r[key].(float64); ok {
		return f
	}
	return 0
}

func nested(r table.Record, key string) table.Record {
	if m, ok := r[key].(map[string]any); ok {
		return m
	}
	return table.Record{}
}

func renderGames(w io.Writer, rows []table.Record, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tPLAYERS\tCREATED\tID")
	for _, r := range rows {
		created := "-"
		if t, err := time.Parse(time.RFC3339Nano, str(r, "createdAt")); err == nil {
			created = humanize.RelTime(t, now, "ago", "from now")
		}
		players, _ := r["players"].([]any)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", str(r, "name"), str(r, "status"), len(players), created, str(r, "id"))
	}
	return tw.Flush()
}

func renderScores(w io.Writer, rows []table.Record, _ time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLACE\tPLAYER\tFINISH\tGAME")
	for _, r := range rows {
		place := int(num(r, "place"))
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\t%s\n",
			humanize.Ordinal(place),
			str(nested(r, "player"), "nickname"),
			num(r, "finish"),
			str(nested(r, "game"), "name"))
	}
	return tw.Flush()
}
