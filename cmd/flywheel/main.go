// Package main is the flywheel command line tool.
//
// flywheel keeps a list of records in a single JSON document file and
// guards every rewrite with an OS advisory lock, so several processes
// can share the file safely. Configuration is read from CLI flags, a
// YAML config file, and FLYWHEEL_* environment variables.
package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/flywheel/internal/atomicfile"
	"github.com/maruel/flywheel/internal/config"
	"github.com/maruel/flywheel/internal/envelope"
	"github.com/maruel/flywheel/internal/metrics"
	"github.com/maruel/flywheel/internal/models"
	"github.com/maruel/flywheel/internal/storage"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "flywheel: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	def := config.Default()
	version := flag.Bool("version", false, "Print version and exit")
	confPath := flag.String("config", "", "YAML config file (optional)")
	dataPath := flag.String("path", def.Path, "Data file; a .gz suffix enables compression")
	root := flag.String("root", "", "Directory writes are confined to (default: working directory)")
	logLevel := flag.String("log-level", def.LogLevel, "Log level (debug, info, warn, error)")
	lockTimeout := flag.Duration("lock-timeout", time.Duration(def.LockTimeout), "How long to wait for the file lock")
	backup := flag.Bool("backup", false, "Keep a .bak copy of the previous contents on every save")
	forceDirLock := flag.Bool("force-dir-lock", false, "Use the lock directory instead of OS advisory locks")
	flag.Usage = usage
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	ll.Set(slog.LevelInfo)
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Drop time when running under systemd.
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case uint64:
				skip = t == 0
			case int64:
				skip = t == 0
			case float64:
				skip = t == 0
			case time.Time:
				skip = t.IsZero()
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*confPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	// Flags given explicitly win over the config file and environment.
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["path"] {
		cfg.Path = *dataPath
	}
	if set["root"] {
		cfg.AllowedRoot = *root
	}
	if set["log-level"] {
		cfg.LogLevel = *logLevel
	}
	if set["lock-timeout"] {
		cfg.LockTimeout = config.Duration(*lockTimeout)
	}
	if set["backup"] {
		cfg.Backup = *backup
	}
	if set["force-dir-lock"] {
		cfg.ForceDirLock = *forceDirLock
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ll.Set(cfg.Level())

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.New("missing command")
	}

	rec := metrics.NewRecorder(cfg.MetricsCapacity)
	st, err := storage.New[*models.Todo](cfg, rec)
	if err != nil {
		return err
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "add":
		return cmdAdd(ctx, st, rest)
	case "list":
		return cmdList(ctx, st)
	case "done":
		return cmdDone(ctx, st, rest)
	case "rm":
		return cmdRemove(ctx, st, rest)
	case "count":
		return cmdCount(ctx, st)
	case "export":
		return cmdExport(ctx, st, rest)
	case "health":
		return cmdHealth(st)
	case "doctor":
		return cmdDoctor(st, cfg)
	case "schema":
		return cmdSchema()
	case "metrics":
		return cmdMetrics(ctx, st, rec, rest)
	case "watch":
		return cmdWatch(ctx, st)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "usage: flywheel [flags] <command> [args]\n\ncommands:\n")
	fmt.Fprintf(out, "  add <text>   Add a record\n")
	fmt.Fprintf(out, "  list         List all records\n")
	fmt.Fprintf(out, "  done <id>    Mark a record done\n")
	fmt.Fprintf(out, "  rm <id>      Remove a record\n")
	fmt.Fprintf(out, "  count        Print the record count\n")
	fmt.Fprintf(out, "  export       Write records as CSV or markdown\n")
	fmt.Fprintf(out, "  health       Check that saves would succeed\n")
	fmt.Fprintf(out, "  doctor       Diagnose the data file\n")
	fmt.Fprintf(out, "  schema       Print the document JSON schema\n")
	fmt.Fprintf(out, "  metrics      Print operation metrics\n")
	fmt.Fprintf(out, "  watch        Report external changes to the data file\n")
	fmt.Fprintf(out, "\nflags:\n")
	flag.PrintDefaults()
}

func cmdAdd(ctx context.Context, st *storage.Store[*models.Todo], args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return errors.New("add needs the record text")
	}
	stored, err := st.Add(ctx, models.New(text))
	if err != nil {
		return err
	}
	fmt.Printf("added %d\n", stored.ID)
	return nil
}

func cmdList(ctx context.Context, st *storage.Store[*models.Todo]) error {
	recs, err := st.Load(ctx)
	if err != nil {
		return err
	}
	for _, t := range recs {
		mark := " "
		if t.Done {
			mark = "x"
		}
		fmt.Printf("%4d [%s] %s\n", t.ID, mark, t.Text)
	}
	return nil
}

func cmdDone(ctx context.Context, st *storage.Store[*models.Todo], args []string) error {
	id, err := parseID("done", args)
	if err != nil {
		return err
	}
	t, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	t.MarkDone(true)
	if err := st.Update(ctx, t); err != nil {
		return err
	}
	fmt.Printf("done %d\n", id)
	return nil
}

func cmdRemove(ctx context.Context, st *storage.Store[*models.Todo], args []string) error {
	id, err := parseID("rm", args)
	if err != nil {
		return err
	}
	if err := st.Remove(ctx, id); err != nil {
		return err
	}
	fmt.Printf("removed %d\n", id)
	return nil
}

func cmdCount(ctx context.Context, st *storage.Store[*models.Todo]) error {
	n, err := st.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func cmdExport(ctx context.Context, st *storage.Store[*models.Todo], args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "csv", "Output format: csv or markdown")
	out := fs.String("o", "", "Write to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	recs, err := st.Load(ctx)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w = f
	}
	switch *format {
	case "csv":
		return models.WriteCSV(w, recs)
	case "markdown", "md":
		return models.WriteMarkdown(w, recs)
	}
	return fmt.Errorf("unknown export format %q", *format)
}

func cmdHealth(st *storage.Store[*models.Todo]) error {
	h := st.Health()
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	if !h.Healthy {
		return fmt.Errorf("storage unhealthy: %s", h.Detail)
	}
	return nil
}

// cmdDoctor inspects the data file without going through the cache, so
// it reports exactly what is on disk.
func cmdDoctor(st *storage.Store[*models.Todo], cfg *config.Config) error {
	fmt.Printf("data file: %s\n", cfg.Path)
	data, exists, err := readDataFile(cfg)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Println("no data file yet; the first save creates it")
		return nil
	}
	fmt.Printf("size: %d bytes\n", len(data))
	if len(data) == 0 {
		fmt.Println("empty file, treated as no records")
		return nil
	}
	env, err := envelope.Decode(cfg.Path, data)
	if err != nil {
		return err
	}
	fmt.Printf("records: %d\n", len(env.Records))
	fmt.Printf("next id: %d (largest in use %d)\n", env.NextID, env.MaxID())
	if env.Legacy {
		fmt.Println("legacy layout; the next save upgrades it")
	}
	if env.Metadata != nil && env.Metadata.Checksum != "" {
		fmt.Println("checksum: present")
	} else {
		fmt.Println("checksum: absent")
	}
	if err := envelope.CheckSchema(cfg.Path, data); err != nil {
		fmt.Printf("schema check: %v\n", err)
	} else {
		fmt.Println("schema check: ok")
	}
	h := st.Health()
	fmt.Printf("writable: %t, disk space: %t, permissions: %t\n", h.Writable, h.DiskSpace, h.Permissions)
	if h.Detail != "" {
		fmt.Printf("detail: %s\n", h.Detail)
	}
	return nil
}

func cmdSchema() error {
	data, err := envelope.Schema()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

// cmdMetrics exercises the read path once so the report carries real
// timings even in a fresh process.
func cmdMetrics(ctx context.Context, st *storage.Store[*models.Todo], rec *metrics.Recorder, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	persist := fs.String("persist", "", "Also write the full report to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := st.Load(ctx); err != nil {
		return err
	}
	if _, err := st.Count(ctx); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec.Export(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", data)
	if *persist != "" {
		if err := rec.Persist(ctx, *persist); err != nil {
			return err
		}
		fmt.Printf("report written to %s\n", *persist)
	}
	return nil
}

func cmdWatch(ctx context.Context, st *storage.Store[*models.Todo]) error {
	recs, err := st.Load(ctx)
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "watching", "path", st.Path(), "records", len(recs))
	return st.Watch(ctx, func() {
		n, err := st.Count(ctx)
		if err != nil {
			slog.WarnContext(ctx, "reload after change failed", "err", err)
			return
		}
		slog.InfoContext(ctx, "data file changed", "records", n)
	})
}

func parseID(cmd string, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs exactly one record id", cmd)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid record id %q", args[0])
	}
	return id, nil
}

// readDataFile loads the raw document bytes, decompressing .gz paths,
// under the same path confinement the store applies.
func readDataFile(cfg *config.Config) ([]byte, bool, error) {
	resolved, exists, err := atomicfile.ResolveRead(cfg.Path, atomicfile.WithRoot(cfg.AllowedRoot))
	if err != nil || !exists {
		return nil, exists, err
	}
	data, err := os.ReadFile(resolved) //nolint:gosec // G304: path comes from the user's own flags and config.
	if err != nil {
		return nil, true, err
	}
	if strings.HasSuffix(cfg.Path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, true, fmt.Errorf("decompressing %s: %w", cfg.Path, err)
		}
		defer func() { _ = zr.Close() }()
		if data, err = io.ReadAll(io.LimitReader(zr, envelope.MaxFileSize+1)); err != nil {
			return nil, true, err
		}
	}
	return data, true, nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("flywheel %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
