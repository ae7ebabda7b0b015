package main

import (
	"strings"

	"github.com/spf13/cobra"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	"IntentHub/internal/replay"
)

type inspectOptions struct {
	stats    bool
	statuses []string
	actions  []string
	limit    int
	query    string
	oldest   bool
}

func newInspectCommand(root *rootOptions) *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect [intent-id]",
		Short: "Show replay records from the configured store",
		Long: `Show one replay record by id, or list records matching the filters.
The in-memory store only lives inside a running hub; use the HTTP API for it.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if cfg.Replay.Store == "memory" {
				return xerrors.New(xerrors.CodeInvalidArgument, "memory 存储无法离线查询，请通过 GET /api/v1/intents 访问")
			}
			a, err := newApp(cmd.Context(), cfg, buildOptions{})
			if err != nil {
				return err
			}
			defer a.close()
			return opts.run(cmd, a.store, args)
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&opts.stats, "stats", false, "print aggregate counts instead of records")
	flags.StringSliceVar(&opts.statuses, "status", nil, "filter by status (pending, succeeded, failed)")
	flags.StringSliceVar(&opts.actions, "action", nil, "filter by action tag")
	flags.IntVar(&opts.limit, "limit", 20, "maximum records to list")
	flags.StringVar(&opts.query, "query", "", "substring match on id or summary")
	flags.BoolVar(&opts.oldest, "oldest-first", false, "list oldest records first")
	return cmd
}

func (o *inspectOptions) run(cmd *cobra.Command, store replay.Store, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	if len(args) == 1 {
		record, err := store.Get(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		return printJSON(out, record)
	}

	listOpts, err := o.listOptions()
	if err != nil {
		return err
	}
	if o.stats {
		stats, err := store.Stats(ctx, listOpts)
		if err != nil {
			return err
		}
		return printJSON(out, stats)
	}
	records, err := store.List(ctx, listOpts)
	if err != nil {
		return err
	}
	if records == nil {
		records = []*replay.Record{}
	}
	return printJSON(out, records)
}

func (o *inspectOptions) listOptions() (replay.ListOptions, error) {
	opts := []replay.ListOption{replay.WithLimit(o.limit), replay.WithQuery(o.query)}
	if len(o.statuses) > 0 {
		statuses := make([]replay.Status, 0, len(o.statuses))
		for _, raw := range o.statuses {
			status := replay.Status(strings.ToLower(strings.TrimSpace(raw)))
			if !replay.IsValidStatus(status) {
				return replay.ListOptions{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的状态 "+raw)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, replay.WithStatuses(statuses...))
	}
	if len(o.actions) > 0 {
		actions := make([]intent.Action, 0, len(o.actions))
		for _, raw := range o.actions {
			actions = append(actions, intent.Action(strings.TrimSpace(raw)))
		}
		opts = append(opts, replay.WithActions(actions...))
	}
	if o.oldest {
		opts = append(opts, replay.WithSortOrder(replay.SortByUpdatedAsc))
	}
	return replay.BuildListOptions(opts...), nil
}
