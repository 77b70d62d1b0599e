package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/starpool/pkg/errs"
	"github.com/bft-labs/starpool/pkg/interp"
	"github.com/bft-labs/starpool/pkg/log"
	"github.com/bft-labs/starpool/pkg/pool"
	"github.com/bft-labs/starpool/plugins/configwatcher"
	"github.com/bft-labs/starpool/plugins/logcleanup"
	"github.com/bft-labs/starpool/plugins/resourcegating"
)

// eventLogger reports pool and worker transitions on the CLI logger.
type eventLogger struct {
	log zerolog.Logger
}

func (e eventLogger) OnStateChange(previous, current pool.State, reason string) {
	e.log.Debug().Str("from", previous.String()).Str("to", current.String()).Str("reason", reason).Msg("pool state")
}

func (e eventLogger) OnWorkerChange(ev pool.WorkerEvent) {
	lvl := zerolog.InfoLevel
	if ev.Current == pool.Dead {
		lvl = zerolog.WarnLevel
	}
	e.log.WithLevel(lvl).
		Str("worker_id", ev.WorkerID).
		Int("pid", ev.PID).
		Str("from", ev.Previous.String()).
		Str("to", ev.Current.String()).
		Str("reason", ev.Reason).
		Msg("worker health")
}

// startPool builds and starts a pool for the resolved configuration.
func (c *cli) startPool(ctx context.Context, extra ...pool.Option) (*pool.Pool, error) {
	pc, err := c.cfg.PoolConfig()
	if err != nil {
		return nil, err
	}
	pc.Args = []string{"worker"}
	pc.Env = append(pc.Env, envTypes+"="+strings.Join(c.types, ","))

	reg, err := registry(c.types)
	if err != nil {
		return nil, err
	}

	opts := []pool.Option{
		pool.WithLogger(log.NewZerologAdapterWithLogger(c.log)),
		pool.WithEventHandler(eventLogger{log: c.log}),
		pool.WithCallback(printCallback, func(ctx context.Context, v any) (any, error) {
			line, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			fmt.Fprintln(os.Stderr, string(line))
			return v, nil
		}),
	}
	p, err := pool.New(reg, pc, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := p.Start(ctx); err != nil {
		return nil, fmt.Errorf("start pool: %w", err)
	}
	return p, nil
}

func stopPool(p *pool.Pool, logger zerolog.Logger) {
	if err := p.Stop(); err != nil {
		logger.Warn().Err(err).Msg("stop pool")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func askCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ask <type> <json>",
		Short: "Send one message and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			msg, err := parseMessage(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			p, err := c.startPool(ctx)
			if err != nil {
				return err
			}
			defer stopPool(p, c.log)

			actor, err := pool.NewActor[any, any](p, args[0])
			if err != nil {
				return err
			}
			reply, err := actor.Ask(ctx, msg)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), reply)
		},
	}
}

func streamCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <type> <json>",
		Short: "Send one message and print each streamed item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}
			msg, err := parseMessage(args[1])
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			p, err := c.startPool(ctx)
			if err != nil {
				return err
			}
			defer stopPool(p, c.log)

			actor, err := pool.NewActor[any, any](p, args[0])
			if err != nil {
				return err
			}
			s, err := actor.SendStream(ctx, msg)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			for {
				item, err := s.Next(ctx)
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				if err := writeJSON(out, item); err != nil {
					return err
				}
			}
		},
	}
}

// request is one line read by serve.
type request struct {
	ID      any             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
}

// response is one line written by serve. Streaming requests produce one
// line per item followed by a line with Done set.
type response struct {
	ID     any    `json:"id,omitempty"`
	Type   string `json:"type"`
	Result any    `json:"result,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

func serveCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Answer JSON line requests from stdin until EOF or a signal",
		Long: strings.TrimSpace(`
Reads one request per line from stdin:

  {"id": 1, "type": "call", "message": {"n": 21}}

and writes one response per line to stdout. Requests run concurrently, so
responses may come back out of order; match them by id.`),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.load(cmd); err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var extra []pool.Option
			if c.cfg.RuntimeFile != "" {
				extra = append(extra, configwatcher.WithRuntimeFile(c.cfg.RuntimeFile))
			}
			if c.cfg.LogDir != "" {
				extra = append(extra, logcleanup.WithDefaultLogCleanup())
			}
			if c.cfg.LoadThreshold > 0 {
				gate := resourcegating.DefaultConfig()
				gate.LoadThreshold = c.cfg.LoadThreshold
				extra = append(extra, resourcegating.WithResourceGating(gate))
			}
			p, err := c.startPool(ctx, extra...)
			if err != nil {
				return err
			}
			defer stopPool(p, c.log)

			c.log.Info().Int("workers", len(p.Workers())).Str("pool_id", p.ID()).Msg("serving")
			mode, _ := interp.ParseMode(c.cfg.Mode)
			return serve(ctx, p, mode == interp.ModeStreaming, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func serve(ctx context.Context, p *pool.Pool, streaming bool, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	emit := func(r response) {
		mu.Lock()
		defer mu.Unlock()
		_ = writeJSON(out, r)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, len(p.Workers())) * 4)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			emit(response{Error: fmt.Sprintf("parse request: %v", err), Code: errs.KindDeserialization.String()})
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			handleRequest(gctx, p, streaming, req, emit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

func handleRequest(ctx context.Context, p *pool.Pool, streaming bool, req request, emit func(response)) {
	fail := func(err error) {
		r := response{ID: req.ID, Type: req.Type, Error: err.Error()}
		if k := errs.KindOf(err); k != errs.KindUnknown {
			r.Code = k.String()
		}
		emit(r)
	}

	msg, err := decodeMessage(req.Message)
	if err != nil {
		fail(err)
		return
	}

	if !streaming {
		var reply any
		if err := p.Call(ctx, req.Type, msg, &reply); err != nil {
			fail(err)
			return
		}
		emit(response{ID: req.ID, Type: req.Type, Result: reply, Done: true})
		return
	}

	s, err := p.OpenStream(ctx, req.Type, msg)
	if err != nil {
		fail(err)
		return
	}
	defer s.Close()
	for {
		body, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			emit(response{ID: req.ID, Type: req.Type, Done: true})
			return
		}
		if err != nil {
			fail(err)
			return
		}
		var item any
		if err := p.Codec().Unmarshal(body, &item); err != nil {
			fail(errs.Wrap(errs.KindDeserialization, "decode stream item", err))
			return
		}
		emit(response{ID: req.ID, Type: req.Type, Result: item})
	}
}
