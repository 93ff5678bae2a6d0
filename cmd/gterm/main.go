package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/user/gterm/internal/api"
	"github.com/user/gterm/internal/collector"
	"github.com/user/gterm/internal/config"
	"github.com/user/gterm/internal/db"
	"github.com/user/gterm/internal/hub"
	"github.com/user/gterm/internal/listener"
	"github.com/user/gterm/internal/logging"
	"github.com/user/gterm/internal/render"
	"github.com/user/gterm/internal/script"
	"github.com/user/gterm/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gterm: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logFile, err := logging.Setup(cfg.Log.Path, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		sink    render.LineSink
		history api.History
	)
	if cfg.Archive.Enabled || cfg.PrintArchive != "" {
		database, err := db.Open(ctx, cfg.Archive.DBPath, db.Options{RetentionDays: cfg.Archive.RetentionDays})
		if err != nil {
			return err
		}
		defer database.Close()
		if cfg.PrintArchive != "" {
			return printArchive(ctx, os.Stdout, database.Lines(), cfg.PrintArchive)
		}
		archiver := render.NewArchiver(database.Lines(), 0)
		defer archiver.Close()
		sink = archiver
		history = database.Commands()
	}

	filter, err := render.NewFilter(cfg.ExclusionPatterns)
	if err != nil {
		return err
	}

	transport := newTransport(cfg.Transport)
	lst := listener.New(transport, listener.DefaultOptions())

	// The collector subscribes first so its first-output time is taken before
	// any printing.
	window := time.Duration(cfg.MCP.CollectionWindowMs) * time.Millisecond
	var coll *collector.Collector
	if cfg.MCP.Enabled {
		coll = collector.New(lst, collector.Options{Window: window})
		defer coll.Close()
	}

	console := render.NewConsole(os.Stdout, render.ConsoleOptions{
		Filter: filter,
		Sink:   sink,
		Source: transport.Name(),
	})
	lst.Subscribe(console)

	slog.Info("gterm starting", "transport", transport.Name(), "config", cfg.ConfigPath, "archive", cfg.Archive.Enabled)

	var wg sync.WaitGroup
	serve := func(srv *server.Server) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				slog.Error("server error", "error", err)
				console.Notice(fmt.Sprintf("Server failed: %v", err))
			}
		}()
	}

	if cfg.API.Enabled {
		relay := hub.New(cfg.API.Secret, func(command string) {
			lst.WriteMessage(ctx, command)
		})
		lst.Subscribe(relay)
		go relay.Run(ctx)
		serve(server.NewRelay(fmt.Sprintf("0.0.0.0:%d", cfg.API.Port), relay))
		console.Notice(fmt.Sprintf("Relay listening on ws://localhost:%d/ws", cfg.API.Port))
	}

	if coll != nil {
		router := api.NewRouter(api.Options{
			Commands: coll,
			Scripts:  script.NewExecutor(coll, cfg.Script.Dir),
			History:  history,
			Secret:   cfg.MCP.Secret,
			Window:   window,
		})
		serve(server.New("mcp", fmt.Sprintf("127.0.0.1:%d", cfg.MCP.Port), router))
		console.Notice(fmt.Sprintf("Command server listening on http://localhost:%d/", cfg.MCP.Port))
	}

	go func() {
		err := config.Watch(ctx, cfg.ConfigPath, func(next *config.Config) {
			if err := filter.Set(next.ExclusionPatterns); err != nil {
				slog.Warn("ignoring invalid exclusion patterns", "error", err)
				return
			}
			console.Notice("Reloaded exclusion patterns")
		})
		if err != nil {
			slog.Warn("config watch disabled", "error", err)
		}
	}()

	lst.Start(ctx)
	console.Notice("Waiting for connection...")

	interactive := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
	go func() {
		readInput(ctx, os.Stdin, console, lst)
		// Ctrl-D at the terminal quits; a closed pipe just stops reading.
		if interactive {
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	lst.Stop()
	wg.Wait()
	return nil
}

func newTransport(cfg config.TransportConfig) listener.Transport {
	if cfg.Kind == config.TransportPacket {
		return listener.PacketTransport{Path: cfg.SocketPath}
	}
	return listener.FIFOTransport{
		ReadPath:  cfg.ReadPath,
		WritePath: cfg.WritePath,
		Create:    cfg.CreateFIFO,
	}
}

type commandWriter interface {
	WriteMessage(ctx context.Context, text string)
}

// readInput forwards each line typed locally to the console. "clear" wipes
// the local screen instead.
func readInput(ctx context.Context, r io.Reader, console *render.Console, w commandWriter) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.EqualFold(line, "clear"):
			console.Clear()
		default:
			w.WriteMessage(ctx, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("stdin read failed", "error", err)
	}
}

func printArchive(ctx context.Context, w io.Writer, lines *db.LineRepo, day string) error {
	archived, err := lines.ListByDay(ctx, day, 0)
	if err != nil {
		return err
	}
	for _, l := range archived {
		fmt.Fprintln(w, l.Text)
	}
	return nil
}
