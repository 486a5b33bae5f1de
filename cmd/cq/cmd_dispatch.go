package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/clockq/pkg/dispatch"
	"github.com/daviddao/clockq/pkg/events"
	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
)

func (a *app) dispatcher() (*dispatch.Dispatcher, error) {
	s, err := a.openStore()
	if err != nil {
		return nil, err
	}
	reg, err := a.registry()
	if err != nil {
		return nil, err
	}
	return dispatch.New(reg, s,
		dispatch.WithLogger(a.logger),
		dispatch.WithEvents(events.NewLog(a.logger)),
	), nil
}

// reportDispatchError prints schema violations one per line before
// returning err.
func (a *app) reportDispatchError(err error) error {
	var verr *registry.PayloadValidationError
	if errors.As(err, &verr) && !a.flags.json {
		for _, v := range verr.Violations {
			fmt.Fprintf(os.Stderr, "  %s\n", v)
		}
	}
	return err
}

func newDispatchCmd(a *app) *cobra.Command {
	var (
		priority      int
		correlationID string
		payloadFile   string
	)
	cmd := &cobra.Command{
		Use:   "dispatch <type> [payload-json]",
		Short: "Validate a task and append it to its type's partition",
		Long: `Validate a task and append it to its type's partition.

The payload is the second argument, or read from --file ("-" for stdin).
It defaults to {}.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			switch {
			case len(args) == 2:
				payload = []byte(args[1])
			case payloadFile != "":
				b, err := readInput(cmd, payloadFile)
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				payload = bytes.TrimSpace(b)
			}

			d, err := a.dispatcher()
			if err != nil {
				return err
			}
			id, err := d.Dispatch(cmd.Context(), model.NormalizedTask{
				Type:          args[0],
				Payload:       payload,
				Priority:      priority,
				CorrelationID: correlationID,
			})
			if err != nil {
				return a.reportDispatchError(err)
			}
			if a.flags.json {
				a.printJSON(map[string]any{"id": id, "partition": registry.PartitionKey(args[0])})
			} else {
				a.printf("%s\n", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower is more urgent; informational)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation ID (default: generated)")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "read the payload from a file, - for stdin")
	return cmd
}

func newBatchCmd(a *app) *cobra.Command {
	var stagger time.Duration
	cmd := &cobra.Command{
		Use:   "batch <file.jsonl|->",
		Short: "Dispatch one task per line, pausing --stagger between appends",
		Long: `Dispatch one task per line, pausing --stagger between appends.

Each line is a JSON object {"type": ..., "payload": ..., "priority": ...}.
Dispatch stops at the first failure; the ids appended before it are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read batch: %w", err)
			}
			tasks, err := parseBatch(data)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("stagger") {
				stagger = a.cfg.Dispatch.Stagger
			}

			d, err := a.dispatcher()
			if err != nil {
				return err
			}
			ids, err := d.DispatchBatch(cmd.Context(), tasks, stagger)
			if a.flags.json {
				out := map[string]any{"ids": ids, "dispatched": len(ids), "total": len(tasks)}
				if err != nil {
					out["error"] = err.Error()
				}
				a.printJSON(out)
			} else {
				for _, id := range ids {
					a.printf("%s\n", id)
				}
			}
			if err != nil {
				return a.reportDispatchError(err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stagger, "stagger", 0, "pause between appends (default: dispatch.stagger)")
	return cmd
}

// parseBatch reads JSON lines, skipping blanks.
func parseBatch(data []byte) ([]model.NormalizedTask, error) {
	var tasks []model.NormalizedTask
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var t model.NormalizedTask
		if err := json.Unmarshal(text, &t); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if t.Type == "" {
			return nil, fmt.Errorf("line %d: type is required", line)
		}
		if len(t.Payload) == 0 {
			t.Payload = json.RawMessage("{}")
		}
		tasks = append(tasks, t)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	if len(tasks) == 0 {
		return nil, errors.New("batch is empty")
	}
	return tasks, nil
}
