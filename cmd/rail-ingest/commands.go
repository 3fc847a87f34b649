package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rail-ingest/batch"
	"rail-ingest/ingest"
	"rail-ingest/queue"
	"rail-ingest/trainindex"
)

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume wagon updates from RabbitMQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			a.serveMetrics(ctx)

			mq := cfg.RabbitMQ
			qm := queue.NewMetrics(a.reg)
			conn := queue.NewConnection(mq.AMQPURL(), mq.DialAttempts, mq.ReconnectBackoff, queue.WithMetrics(qm))
			consumer := queue.NewConsumer(conn, queue.TopologyFromConfig(mq), a.pipeline, queue.ConsumerConfig{
				Queue:            mq.Queue,
				ConsumerTag:      mq.ConsumerTag,
				Prefetch:         mq.Prefetch,
				ReconnectBackoff: mq.ReconnectBackoff,
			}, qm)
			defer func() {
				var result *multierror.Error
				if cerr := conn.Close(); cerr != nil {
					result = multierror.Append(result, errors.Wrap(cerr, "close rabbitmq"))
				}
				if cerr := a.Close(); cerr != nil {
					result = multierror.Append(result, cerr)
				}
				if cerr := result.ErrorOrNil(); cerr != nil {
					log.WithError(cerr).Warn("shutdown")
					if err == nil {
						err = cerr
					}
				}
			}()

			log.WithFields(log.Fields{"queue": mq.Queue, "prefetch": mq.Prefetch}).Info("consumer starting")
			if err := consumer.Run(ctx); err != nil {
				return errors.Wrap(err, "consumer stopped")
			}
			log.Info("consumer stopped")
			return nil
		},
	}
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import a CSV file of wagon updates as one batch job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			engine := a.newEngine(ctx)
			defer engine.Close()

			id, err := engine.SubmitFile(args[0])
			if err != nil {
				return err
			}
			log.WithField("job", id).Infof("importing %s", args[0])
			st, err := engine.Wait(ctx, id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), st); err != nil {
				return err
			}
			if st.Status != batch.StatusCompleted {
				return errors.Errorf("job %s ended %s", id, st.Status)
			}
			return nil
		},
	}
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Import CSV files dropped into the configured inbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Inbox.Files.Items) == 0 {
				return errors.New("missing inputs (use inbox.files in the config)")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			engine := a.newEngine(ctx)
			defer engine.Close()
			inbox := batch.NewInbox(engine, a.db, cfg.Inbox)

			if once {
				sum, err := inbox.RunOnce(ctx)
				log.WithFields(log.Fields{
					"seen":     sum.FilesSeen,
					"imported": sum.FilesImported,
					"skipped":  sum.FilesSkipped,
					"failed":   sum.FilesFailed,
					"valid":    sum.ValidRecords,
					"invalid":  sum.InvalidRecords,
				}).Info("inbox pass done")
				return err
			}
			a.serveMetrics(ctx)
			return inbox.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single pass and exit")
	return cmd
}

func newNormalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize <index>...",
		Short: "Print the canonical form of train indexes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, raw := range args {
				idx, err := trainindex.Parse(raw)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%q: %v\n", raw, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", raw, idx.Normalized())
			}
			if failed > 0 {
				return errors.Errorf("%d of %d indexes invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the train indexes in the first column of a CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return errors.Wrap(err, "open csv file")
			}
			defer f.Close()
			stats, err := batch.IndexStats(f)
			if err != nil {
				return err
			}
			printIndexStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "CSV file to analyze")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printIndexStats(w io.Writer, s *trainindex.Stats) {
	fmt.Fprintf(w, "Total:   %d\nValid:   %d\nInvalid: %d\nEmpty:   %d\n", s.Total, s.Valid, s.Invalid, s.Empty)
	fmt.Fprintln(w, "\nTop formation stations:")
	for _, c := range s.TopFormationStations(5) {
		fmt.Fprintf(w, "  %s  %d\n", c.Code, c.Count)
	}
	fmt.Fprintln(w, "\nTop destination stations:")
	for _, c := range s.TopDestinationStations(5) {
		fmt.Fprintf(w, "  %s  %d\n", c.Code, c.Count)
	}
	fmt.Fprintln(w, "\nExamples:")
	for _, e := range s.Examples(5) {
		fmt.Fprintf(w, "  %s\n", e)
	}
	if invalid := s.InvalidIndexes(10); len(invalid) > 0 {
		fmt.Fprintln(w, "\nInvalid indexes:")
		for _, raw := range invalid {
			fmt.Fprintf(w, "  %q\n", raw)
		}
	}
}

func newPublishCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish wagon updates, one JSON message per line, to RabbitMQ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return errors.Wrap(err, "open input")
				}
				defer f.Close()
				in = f
			}

			mq := cfg.RabbitMQ
			conn := queue.NewConnection(mq.AMQPURL(), mq.DialAttempts, mq.ReconnectBackoff)
			defer conn.Close()
			pub := queue.NewPublisher(conn, queue.TopologyFromConfig(mq), nil)
			defer pub.Close()

			sent, err := publishLines(ctx, in, pub)
			log.Infof("published %d messages", sent)
			return err
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "input file (default stdin)")
	return cmd
}

type messagePublisher interface {
	Publish(ctx context.Context, msg *ingest.WagonUpdateMessage) error
}

// publishLines stops at the first line that cannot be decoded or published.
func publishLines(ctx context.Context, r io.Reader, pub messagePublisher) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sent, line := 0, 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		msg, err := ingest.DecodeMessage([]byte(text))
		if err != nil {
			return sent, errors.Wrapf(err, "line %d", line)
		}
		if err := pub.Publish(ctx, msg); err != nil {
			return sent, errors.Wrapf(err, "line %d", line)
		}
		sent++
	}
	return sent, errors.Wrap(sc.Err(), "read input")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
