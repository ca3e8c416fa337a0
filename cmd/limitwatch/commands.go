package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/limitwatch/internal/config"
	"github.com/hochfrequenz/limitwatch/internal/controller"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/logging"
	"github.com/hochfrequenz/limitwatch/internal/proc"
	"github.com/hochfrequenz/limitwatch/internal/state"
	"github.com/hochfrequenz/limitwatch/web/api"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	startWorkDir  string
	startSimulate bool
	statusJSON    bool
	statusWatch   bool
	stopForce     bool
	stopKill      bool
	logsLines     int
	logsFollow    bool
	eventsSession string
	eventsLimit   int
	initForce     bool
)

func init() {
	startCmd := &cobra.Command{
		Use:   "start [COMMAND [ARG...]]",
		Short: "Launch the child and supervise it",
		Long: `Start launches the configured command (or the one given on the
command line), watches its output for usage limit messages and keeps
it alive across cooldowns. Runs in the foreground until interrupted;
the child itself survives an interrupt and is re-adopted on the next
start.`,
		RunE: runStart,
	}
	startCmd.Flags().StringVar(&startWorkDir, "workdir", "", "working directory for the child")
	startCmd.Flags().BoolVar(&startSimulate, "simulate", false, "run without a real child process")
	rootCmd.AddCommand(startCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor without starting a session",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show sessions, waits and recent events",
		RunE:  runStatus,
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "refresh every 5s until interrupted")
	rootCmd.AddCommand(statusCmd)

	stopCmd := &cobra.Command{
		Use:   "stop [SESSION]",
		Short: "Stop supervising a session",
		Long: `Stop ends supervision of a session. The child process keeps
running unless --kill-child is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runStop,
	}
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "stop even during a waiting period")
	stopCmd.Flags().BoolVar(&stopKill, "kill-child", false, "also terminate the child process")
	rootCmd.AddCommand(stopCmd)

	logsCmd := &cobra.Command{
		Use:   "logs SESSION",
		Short: "Show captured output of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&logsLines, "lines", "n", 50, "trailing lines to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep following new output")
	rootCmd.AddCommand(logsCmd)

	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded usage limit detections",
		RunE:  runEvents,
	}
	eventsCmd.Flags().StringVar(&eventsSession, "session", "", "filter by session")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum rows")
	rootCmd.AddCommand(eventsCmd)

	restartsCmd := &cobra.Command{
		Use:   "restarts",
		Short: "List recorded relaunch attempts",
		RunE:  runRestarts,
	}
	restartsCmd.Flags().StringVar(&eventsSession, "session", "", "filter by session")
	restartsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "maximum rows")
	rootCmd.AddCommand(restartsCmd)

	inputCmd := &cobra.Command{
		Use:   "input SESSION TEXT",
		Short: "Send a line of input to the child",
		Args:  cobra.ExactArgs(2),
		RunE:  runInput,
	}
	rootCmd.AddCommand(inputCmd)

	injectCmd := &cobra.Command{
		Use:   "inject SESSION LINE",
		Short: "Feed output into a simulated session",
		Args:  cobra.ExactArgs(2),
		RunE:  runInject,
	}
	rootCmd.AddCommand(injectCmd)

	completeCmd := &cobra.Command{
		Use:   "complete SESSION",
		Short: "Release the task gate so a due restart proceeds",
		Args:  cobra.ExactArgs(1),
		RunE:  runComplete,
	}
	rootCmd.AddCommand(completeCmd)

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE:  runConfig,
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE:  runConfigInit,
	}
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for errors",
		RunE:  runConfigValidate,
	})
	rootCmd.AddCommand(configCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	return runDaemon(args, true)
}

func runServe(cmd *cobra.Command, args []string) error {
	return runDaemon(nil, false)
}

func runDaemon(args []string, withSession bool) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, logPath, err := logging.Setup(cfg.General.LogLevel, cfg.LogDir(), cfg.General.LogFileCount, verbose)
	if err != nil {
		return err
	}

	ctrl, err := controller.New(controller.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Recover(); err != nil {
		return err
	}

	live := 0
	for _, v := range ctrl.Sessions() {
		if v.Session.Status != domain.SessionStopped {
			fmt.Printf("Resumed session %s (%s)\n", v.Session.ID, v.Session.Status)
			live++
		}
	}

	if withSession {
		if live > 0 {
			fmt.Println("A session is already supervised; not starting another")
		} else {
			opts := controller.StartOptions{WorkDir: startWorkDir, Simulate: startSimulate}
			if len(args) > 0 {
				opts.Command = args[0]
				opts.Args = args[1:]
			}
			sess, err := ctrl.StartSession(opts)
			if err != nil {
				return err
			}
			fmt.Printf("Watching session %s (pid %d)\n", sess.ID, sess.PID)
		}
	}
	if logPath != "" {
		fmt.Printf("Log: %s\n", logPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hot-reload detection patterns when the config file changes
	if w, err := config.NewWatcher(resolvedConfigPath(), ctrl.ApplyConfig); err != nil {
		logger.Warn("config watch unavailable", "error", err.Error())
	} else {
		w.Start(ctx)
		defer w.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	if cfg.Web.Port > 0 {
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		g.Go(func() error { return api.NewServer(ctrl, logger, addr).Run(gctx) })
	}
	return g.Wait()
}

// resolvedConfigPath mirrors the lookup order of LoadWithLocalFallback
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := config.FindLocalConfig(); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if !statusWatch {
		return showStatus(cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		fmt.Print("\033[2J\033[H")
		fmt.Printf("Last updated: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
		if err := showStatus(cfg); err != nil {
			return err
		}
		fmt.Println("\nPress Ctrl+C to stop watching")
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func showStatus(cfg *config.Config) error {
	if ov, err := newClient(cfg).overview(); err == nil {
		if statusJSON {
			return printJSON(ov)
		}
		printOverview(ov)
		return nil
	}

	// No daemon answering; fall back to the last snapshot on disk
	store := state.NewStore(nil, cfg.StateFilePath(), cfg.BackupDir(), cfg.State.BackupCount)
	snap, source, err := store.Load()
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(snap)
	}
	fmt.Println("Daemon not running; showing last saved state")
	if source != "" {
		fmt.Printf("(state file was corrupt, read from backup %s)\n", filepath.Base(source))
	}
	printSnapshot(snap)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printOverview(ov *controller.Overview) {
	fmt.Printf("Supervisor up since %s\n\n", humanize.Time(ov.StartedAt))
	if len(ov.Sessions) == 0 {
		fmt.Println("No sessions")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tSTATUS\tPID\tDETECTIONS\tRESTARTS\tLAST ACTIVITY\tRESTART AT")
		for _, v := range ov.Sessions {
			wait := "-"
			if v.Period != nil && v.RemainingMs > 0 {
				wait = humanize.Time(v.Period.EndTime)
			}
			pid := "-"
			if v.Session.PID != 0 {
				pid = fmt.Sprintf("%d", v.Session.PID)
				if v.Session.Simulated {
					pid += " (sim)"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
				v.Session.ID, v.Session.Status, pid,
				v.Session.DetectionCount, v.Session.RestartCount,
				humanize.Time(v.Session.LastActivity), wait)
		}
		w.Flush()
	}

	if ov.QueueLength > 0 {
		fmt.Printf("\nQueued tasks: %d\n", ov.QueueLength)
	}
	if len(ov.RecentEvents) > 0 {
		fmt.Println("\nRecent events:")
		events := ov.RecentEvents
		if len(events) > 8 {
			events = events[len(events)-8:]
		}
		for _, ev := range events {
			fmt.Printf("  %s  %-19s %s\n",
				ev.At.Local().Format("15:04:05"), ev.Kind, ev.Message)
		}
	}
}

func printSnapshot(snap *state.Snapshot) {
	if len(snap.Sessions) == 0 {
		fmt.Println("No sessions")
		return
	}
	sessions := make([]*domain.Session, 0, len(snap.Sessions))
	for _, s := range snap.Sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tPID\tDETECTIONS\tRESTARTS\tSTARTED")
	for _, s := range sessions {
		pid := "-"
		if s.PID != 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Status, pid, s.DetectionCount, s.RestartCount,
			humanize.Time(s.StartTime))
	}
	w.Flush()

	if len(snap.QueuedTasks) > 0 {
		fmt.Printf("\nQueued tasks: %d\n", len(snap.QueuedTasks))
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	client := newClient(cfg)

	var id string
	if len(args) > 0 {
		id = args[0]
	} else {
		ov, err := client.overview()
		if err != nil {
			return err
		}
		for _, v := range ov.Sessions {
			if v.Session.Status == domain.SessionStopped {
				continue
			}
			if id != "" {
				return errors.New("several sessions are live, name one (limitwatch stop SESSION)")
			}
			id = v.Session.ID
		}
		if id == "" {
			return errors.New("no live session to stop")
		}
	}

	if err := client.stopSession(id, stopForce, stopKill); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusConflict {
			return &exitError{code: 4, err: fmt.Errorf("%s (use --force to stop anyway)", se.msg)}
		}
		return err
	}
	if stopKill {
		fmt.Printf("Session %s stopped, child terminated\n", id)
	} else {
		fmt.Printf("Session %s stopped, child left running\n", id)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	path := filepath.Join(cfg.LogDir(), "session_"+args[0]+".log")
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("no output log for session %s", args[0])
	}

	lines, err := proc.ReadLastLines(path, logsLines)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = proc.TailFile(ctx, path, func(line string) { fmt.Println(line) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	events, err := newClient(cfg).events(eventsSession, eventsLimit)
	if err != nil {
		if events, err = eventsFromDB(cfg); err != nil {
			return err
		}
	}
	if len(events) == 0 {
		fmt.Println("No detections recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DETECTED\tSESSION\tCONFIDENCE\tWAIT UNTIL\tMATCHED")
	for _, ev := range events {
		text := ev.MatchedText
		if len(text) > 48 {
			text = text[:45] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\t%s\n",
			ev.DetectedAt.Local().Format("2006-01-02 15:04"),
			ev.SessionID, ev.Confidence,
			ev.CooldownEnd.Local().Format("2006-01-02 15:04"),
			text)
	}
	w.Flush()
	return nil
}

func eventsFromDB(cfg *config.Config) ([]*domain.DetectionEvent, error) {
	hist, err := history.New(nil, cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer hist.Close()
	return hist.ListEvents(history.EventListOptions{SessionID: eventsSession, Limit: eventsLimit})
}

func runRestarts(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	restarts, err := newClient(cfg).restarts(eventsSession, eventsLimit)
	if err != nil {
		if restarts, err = restartsFromDB(cfg); err != nil {
			return err
		}
	}
	if len(restarts) == 0 {
		fmt.Println("No relaunches recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPTED\tSESSION\tATTEMPT\tREASON\tRESULT")
	for _, a := range restarts {
		result := "ok"
		if a.PID != 0 {
			result = fmt.Sprintf("ok (pid %d)", a.PID)
		}
		if !a.Success {
			result = "failed: " + a.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			a.AttemptedAt.Local().Format("2006-01-02 15:04"),
			a.SessionID, a.Attempt, a.Reason, result)
	}
	w.Flush()
	return nil
}

func restartsFromDB(cfg *config.Config) ([]*history.RestartAttempt, error) {
	hist, err := history.New(nil, cfg.General.DatabasePath)
	if err != nil {
		return nil, err
	}
	defer hist.Close()
	return hist.ListRestarts(history.RestartListOptions{SessionID: eventsSession, Limit: eventsLimit})
}

func runInput(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if err := newClient(cfg).sendInput(args[0], args[1]); err != nil {
		return err
	}
	fmt.Println("Sent")
	return nil
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if err := newClient(cfg).injectOutput(args[0], args[1]); err != nil {
		return err
	}
	fmt.Println("Injected")
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if err := newClient(cfg).forceComplete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Task gate released for %s\n", args[0])
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# effective configuration (%s)\n", resolvedConfigPath())
	os.Stdout.Write(data)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithLocalFallback(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	fmt.Println("Configuration OK")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Save(config.Default(), path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
