// Command jobwatch submits one job to the backend and follows it to its
// outcome, printing every lifecycle event.
//
//	jobwatch --kind render --payload render.json
//	cat job.json | jobwatch -k generation -p - --json
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/reelforge/jobwatch/internal/client"
	"github.com/reelforge/jobwatch/internal/config"
	"github.com/reelforge/jobwatch/internal/watch"
	"github.com/reelforge/jobwatch/pkg/logger"
)

const (
	exitOK           = 0
	exitFailed       = 1
	exitPersistError = 2
	exitUsage        = 64
	exitInterrupted  = 130
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("jobwatch", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.StringP("config", "c", "", "config file (default: ./config.yaml when present)")
	kind := fs.StringP("kind", "k", "", "job kind to submit")
	payloadPath := fs.StringP("payload", "p", "", "JSON payload file, - for stdin")
	asJSON := fs.Bool("json", false, "print events as JSON lines")
	noPersist := fs.Bool("no-persist", false, "skip recording the result")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *kind == "" || *payloadPath == "" {
		fmt.Fprintln(stderr, "jobwatch: --kind and --payload are required")
		fs.PrintDefaults()
		return exitUsage
	}

	log := logger.New(&logger.Config{Level: *logLevel, Writer: stderr})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "jobwatch: %v\n", err)
		return exitUsage
	}
	payload, err := readPayload(*payloadPath, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "jobwatch: %v\n", err)
		return exitUsage
	}
	kinds, err := cfg.WatchKinds()
	if err != nil {
		fmt.Fprintf(stderr, "jobwatch: %v\n", err)
		return exitUsage
	}

	backend := client.NewBackendClient(&cfg.Backend, cfg.Kinds, log)
	wcfg := watch.Config{
		Submitter:      backend,
		Checker:        backend,
		Kinds:          kinds,
		Logger:         log,
		PersistTimeout: cfg.Persist.Timeout,
	}
	if !*noPersist {
		wcfg.Persister = backend
	}
	orch, err := watch.New(wcfg)
	if err != nil {
		fmt.Fprintf(stderr, "jobwatch: %v\n", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := &printer{out: stdout, json: *asJSON}
	outcome := make(chan int, 1)
	persistFailed := make(chan struct{}, 1)
	n := watch.NotifierFuncs{
		Submitted: func(s watch.Snapshot) { p.event("submitted", s, nil) },
		Progress: func(s watch.Snapshot, fraction float64) {
			p.event("progress", s, map[string]any{"progress": fraction})
		},
		Success: func(s watch.Snapshot, r watch.Result) {
			p.event("success", s, map[string]any{"outputUrl": r.OutputURL, "format": r.Format})
			outcome <- exitOK
		},
		Failure: func(s watch.Snapshot, err *watch.JobError) {
			p.event("failure", s, map[string]any{"reason": err.Reason, "error": err.Error()})
			outcome <- exitFailed
		},
		PersistenceError: func(s watch.Snapshot, err *watch.JobError) {
			p.event("persistence_error", s, map[string]any{"reason": err.Reason, "error": err.Error()})
			persistFailed <- struct{}{}
		},
	}

	handle, err := orch.Submit(ctx, watch.Kind(*kind), payload, n)
	if err != nil {
		if errors.Is(err, watch.ErrUnknownKind) {
			fmt.Fprintf(stderr, "jobwatch: unknown kind %q (configured: %v)\n", *kind, orch.Kinds())
			return exitUsage
		}
		return exitFailed
	}

	var code int
	select {
	case code = <-outcome:
	case <-ctx.Done():
		orch.Cancel(handle)
		fmt.Fprintf(stderr, "jobwatch: cancelled %s\n", handle)
		return exitInterrupted
	}

	// Persistence runs after the success event; wait for the job to be released.
	if !waitReleased(ctx, orch, handle) {
		fmt.Fprintf(stderr, "jobwatch: interrupted while recording %s\n", handle)
		return exitInterrupted
	}
	select {
	case <-persistFailed:
		if code == exitOK {
			code = exitPersistError
		}
	default:
	}
	return code
}

// waitReleased blocks until orch stops tracking handle. It reports false
// when ctx ends first.
func waitReleased(ctx context.Context, orch *watch.Orchestrator, handle watch.Handle) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, tracked := orch.Get(handle); !tracked {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func readPayload(path string, stdin io.Reader) (map[string]any, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open payload: %w", err)
		}
		defer f.Close()
		r = f
	}
	var payload map[string]any
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

type printer struct {
	out  io.Writer
	json bool
}

func (p *printer) event(name string, s watch.Snapshot, extra map[string]any) {
	if p.json {
		line := map[string]any{
			"event": name,
			"kind":  s.Kind,
			"jobId": s.JobID,
			"state": s.State,
			"at":    time.Now().UTC().Format(time.RFC3339Nano),
		}
		for k, v := range extra {
			line[k] = v
		}
		_ = json.NewEncoder(p.out).Encode(line)
		return
	}

	id := s.JobID
	if id == "" {
		id = "-"
	}
	switch name {
	case "progress":
		fmt.Fprintf(p.out, "%-17s %s/%s %s %3.0f%%\n", name, s.Kind, id, s.State, extra["progress"].(float64)*100)
	case "success":
		fmt.Fprintf(p.out, "%-17s %s/%s %s\n", name, s.Kind, id, extra["outputUrl"])
	case "failure", "persistence_error":
		fmt.Fprintf(p.out, "%-17s %s/%s %s\n", name, s.Kind, id, extra["error"])
	default:
		fmt.Fprintf(p.out, "%-17s %s/%s %s\n", name, s.Kind, id, s.State)
	}
}
