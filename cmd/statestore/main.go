// Command statestore runs the meta service of a statestore deployment and
// offers a few client operations against it.
//
//	statestore -config statestore.yaml meta
//	statestore -config statestore.yaml put <key> <value>
//	statestore -config statestore.yaml get <key> [epoch]
//	statestore -config statestore.yaml scan [start] [end]
//	statestore -config statestore.yaml delete <key>
//	statestore -config statestore.yaml compact [level]
//	statestore -config statestore.yaml inspect <table id>
//	statestore -config statestore.yaml demo
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tidewave/statestore/internal/backend"
	"github.com/tidewave/statestore/internal/meta"
	"github.com/tidewave/statestore/internal/meta/rpc"
	"github.com/tidewave/statestore/internal/sstable"
	"github.com/tidewave/statestore/internal/tablestore"
	"github.com/tidewave/statestore/statestore"
)

func main() {
	configPath := flag.String("config", "statestore.yaml", "path of the YAML configuration")
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: statestore [-config path] meta|put|get|scan|delete|compact|inspect|demo [args]")
		os.Exit(2)
	}

	cfg, err := statestore.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Log.Logger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, log, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Error("statestore failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg statestore.Config, log *slog.Logger, cmd string, args []string) error {
	b, err := backend.Open(ctx, cfg.Backend, backend.Options{Log: log, Retry: cfg.Retry})
	if err != nil {
		return err
	}

	switch cmd {
	case "meta":
		return serveMeta(ctx, cfg, log, b)
	case "inspect":
		if len(args) != 1 {
			return errors.New("inspect takes <table id>")
		}
		return inspect(ctx, b, args[0])
	}

	mc, closeMeta, err := metaClient(ctx, cfg, log, b)
	if err != nil {
		return err
	}
	defer closeMeta()

	switch cmd {
	case "compact":
		level := 0
		if len(args) > 0 {
			if level, err = strconv.Atoi(args[0]); err != nil {
				return errors.Wrapf(err, "level '%s'", args[0])
			}
		}
		return compact(ctx, cfg, log, b, mc, level)
	case "demo":
		return demo(ctx, cfg, log, b, mc)
	}

	cfg.Client.Log = log
	client, err := statestore.Open(ctx, b, mc, cfg.Client)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.Background()); err != nil {
			log.Error("closing client", "error", err)
		}
	}()

	switch cmd {
	case "put":
		if len(args) != 2 {
			return errors.New("put takes <key> <value>")
		}
		e, err := client.Put(ctx, []byte(args[0]), []byte(args[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s @%d\n", args[0], e)
	case "delete":
		if len(args) != 1 {
			return errors.New("delete takes <key>")
		}
		e, err := client.Delete(ctx, []byte(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %s @%d\n", args[0], e)
	case "get":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("get takes <key> [epoch]")
		}
		e, err := parseEpoch(args[1:])
		if err != nil {
			return err
		}
		v, err := client.Get(ctx, []byte(args[0]), e)
		if err != nil {
			return err
		}
		fmt.Println(string(v))
	case "scan":
		var rng statestore.KeyRange
		if len(args) > 0 {
			rng.Start = []byte(args[0])
		}
		if len(args) > 1 {
			rng.End = []byte(args[1])
		}
		return printScan(ctx, client, rng, statestore.MaxEpoch)
	default:
		return errors.Newf("unknown command '%s'", cmd)
	}
	return nil
}

func parseEpoch(args []string) (statestore.Epoch, error) {
	if len(args) == 0 {
		return statestore.MaxEpoch, nil
	}
	e, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "epoch '%s'", args[0])
	}
	return e, nil
}

// metaClient returns an RPC client when a remote meta service is configured,
// otherwise a meta service running in process
func metaClient(ctx context.Context, cfg statestore.Config, log *slog.Logger, b backend.Backend) (meta.Client, func(), error) {
	if cfg.Meta.Remote != "" {
		return rpc.NewClient(cfg.Meta.Remote, &http.Client{Timeout: 30 * time.Second}), func() {}, nil
	}
	cfg.Meta.Service.Log = log
	svc, err := meta.Open(ctx, b, cfg.Meta.Service)
	if err != nil {
		return nil, nil, err
	}
	svc.Start()
	return svc, func() { _ = svc.Close() }, nil
}

func serveMeta(ctx context.Context, cfg statestore.Config, log *slog.Logger, b backend.Backend) error {
	cfg.Meta.Service.Log = log
	svc, err := meta.Open(ctx, b, cfg.Meta.Service)
	if err != nil {
		return err
	}
	svc.Start()
	defer func() { _ = svc.Close() }()

	srv := rpc.NewServer(svc, log)
	srv.Start(cfg.Meta.Listen)
	log.Info("meta service listening", "address", cfg.Meta.Listen, "backend", cfg.Backend)

	<-ctx.Done()
	log.Info("shutting down meta service")
	return srv.Stop()
}

// compact compacts every table of level into the next level
func compact(ctx context.Context, cfg statestore.Config, log *slog.Logger, b backend.Backend, mc meta.Client, level int) error {
	tables := tablestore.New(b, tablestore.Options{Table: cfg.Client.Table, Log: log})
	defer tables.Close()

	if _, err := mc.TriggerManualCompaction(ctx, level, nil); err != nil {
		return err
	}
	n, err := statestore.NewCompactor(tables, mc, cfg.Client.Compactor, log).Drain(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("executed %d compaction tasks\n", n)
	return nil
}

// inspect prints the blocks and index of a table file
func inspect(ctx context.Context, b backend.Backend, arg string) error {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "table id '%s'", arg)
	}
	data, err := b.Get(ctx, tablestore.Path(id))
	if err != nil {
		return err
	}
	fmt.Print(sstable.PrettyPrint(ctx, data))
	return nil
}

func printScan(ctx context.Context, client *statestore.Client, rng statestore.KeyRange, e statestore.Epoch) error {
	s, err := client.Scan(ctx, rng, e, statestore.ScanOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close(ctx) }()
	for {
		kv, ok := s.Next(ctx)
		if !ok {
			break
		}
		fmt.Printf("%s = %s\n", kv.Key, kv.Value)
	}
	return s.Err()
}

// demo writes a few versions of two keys and reads them back at each epoch
func demo(ctx context.Context, cfg statestore.Config, log *slog.Logger, b backend.Backend, mc meta.Client) error {
	cfg.Client.Log = log
	client, err := statestore.Open(ctx, b, mc, cfg.Client)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	first, err := client.WriteBatch(ctx, []statestore.Entry{
		statestore.PutEntry([]byte("a"), []byte("1")),
		statestore.PutEntry([]byte("b"), []byte("2")),
	}, statestore.DefaultWriteOptions())
	if err != nil {
		return err
	}
	second, err := client.Put(ctx, []byte("a"), []byte("3"))
	if err != nil {
		return err
	}
	third, err := client.Delete(ctx, []byte("a"))
	if err != nil {
		return err
	}

	for _, e := range []statestore.Epoch{first, second, third} {
		fmt.Printf("-- epoch %d\n", e)
		if err := printScan(ctx, client, statestore.KeyRange{}, e); err != nil {
			return err
		}
	}
	return nil
}
