package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/arttherapy/arthelper/internal/assistant"
	"github.com/arttherapy/arthelper/internal/config"
	"github.com/arttherapy/arthelper/internal/conversation"
	"github.com/arttherapy/arthelper/internal/llm/openai"
	"github.com/arttherapy/arthelper/internal/notice"
	"github.com/arttherapy/arthelper/internal/session"
)

// version is the CLI build version.
const version = "0.3.0"

// errReported marks failures already shown to the user.
var errReported = errors.New("reported")

// options holds all CLI flags.
type options struct {
	// Print runs a single turn and exits.
	Print bool
	// OutputFormat controls print mode output encoding.
	OutputFormat string
	// Continue resumes the most recent session of the profile.
	Continue bool
	// Resume resumes a session id or opens the picker.
	Resume string
	// SessionID sets a fixed session id.
	SessionID string
	// Profile names the child whose sessions are used.
	Profile string
	// Locale selects notification language.
	Locale string
	// Model overrides the requested model.
	Model string
	// ConfigPath overrides ~/.arthelper/config.json.
	ConfigPath string
	// Settings provides a path or inline JSON for settings overrides.
	Settings string
	// NoSessionPersistence disables saving turns to disk.
	NoSessionPersistence bool
	// Verbose enables debug logging.
	Verbose bool
	// DebugFile writes logs to a file path.
	DebugFile string
	// Version prints the CLI version.
	Version bool
}

// main wires Cobra and executes the CLI.
func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// newRootCommand builds the command tree.
func newRootCommand() *cobra.Command {
	opts := &options{}
	var logger *zap.Logger

	rootCmd := &cobra.Command{
		Use:           "arthelper [prompt]",
		Short:         "arthelper - art-therapy chat helper for children",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			built, err := newLogger(opts, cmd.Name() == "serve")
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			logger = built
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Version {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			return runRoot(cmd, opts, logger, args)
		},
	}

	applyFlags(rootCmd.Flags(), opts)
	applyPersistentFlags(rootCmd.PersistentFlags(), opts)

	rootCmd.AddCommand(doctorCommand(opts))
	rootCmd.AddCommand(serveCommand(opts, func() *zap.Logger { return logger }))
	rootCmd.AddCommand(sessionsCommand())
	return rootCmd
}

// applyFlags defines the chat flags.
func applyFlags(flags *pflag.FlagSet, opts *options) {
	flags.BoolVarP(&opts.Print, "print", "p", false, "Print the reply and exit")
	flags.StringVar(&opts.OutputFormat, "output-format", "text", "Output format (text|json|stream-json)")
	flags.BoolVarP(&opts.Continue, "continue", "c", false, "Continue the most recent conversation of the profile")
	flags.StringVarP(&opts.Resume, "resume", "r", "", "Resume a conversation by session ID")
	flags.Lookup("resume").NoOptDefVal = "picker"
	flags.StringVar(&opts.SessionID, "session-id", "", "Use a specific session ID")
	flags.StringVar(&opts.Profile, "profile", "", "Child profile name")
	flags.StringVar(&opts.Locale, "locale", "", "Language for notices and replies (ru|en)")
	flags.StringVar(&opts.Model, "model", "", "Model for the current session")
	flags.StringVar(&opts.Settings, "settings", "", "Settings file path or JSON")
	flags.BoolVar(&opts.NoSessionPersistence, "no-session-persistence", false, "Disable session persistence")
	flags.BoolVarP(&opts.Version, "version", "v", false, "Output the version number")
}

// applyPersistentFlags defines flags shared with subcommands.
func applyPersistentFlags(flags *pflag.FlagSet, opts *options) {
	flags.StringVar(&opts.ConfigPath, "config", "", "Config file path (default ~/.arthelper/config.json)")
	flags.BoolVar(&opts.Verbose, "verbose", false, "Verbose logging")
	flags.StringVar(&opts.DebugFile, "debug-file", "", "Write logs to a file")
}

// newLogger builds the process logger. Chat modes stay quiet unless asked,
// so logs never interleave with the conversation.
func newLogger(opts *options, always bool) (*zap.Logger, error) {
	if !always && !opts.Verbose && opts.DebugFile == "" {
		return zap.NewNop(), nil
	}
	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	if opts.DebugFile != "" {
		cfg.OutputPaths = []string{opts.DebugFile}
		cfg.ErrorOutputPaths = []string{opts.DebugFile}
	}
	return cfg.Build()
}

// app bundles everything a chat mode needs.
type app struct {
	opts       *options
	runner     *assistant.Runner
	store      *session.Store
	catalog    *notice.Catalog
	logger     *zap.Logger
	locale     string
	model      string
	profileKey string
	sessionID  string
	history    conversation.History
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
}

// runRoot loads configuration, resolves the session and dispatches a mode.
func runRoot(cmd *cobra.Command, opts *options, logger *zap.Logger, args []string) error {
	a, err := newApp(opts, logger)
	if err != nil {
		return err
	}
	a.in = cmd.InOrStdin()
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if opts.Print {
		return a.runPrintMode(prompt)
	}
	if prompt != "" {
		return fmt.Errorf("a prompt argument requires --print")
	}
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return a.runInteractiveTUI()
	}
	return a.runLineMode()
}

// newApp resolves config, settings, model, locale and session.
func newApp(opts *options, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.OutputFormat {
	case "text", "json", "stream-json":
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.OutputFormat)
	}

	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		if errors.Is(err, config.ErrConfigMissing) {
			return nil, fmt.Errorf("config missing; create %s or set %s", configPath(opts), config.EnvChatURL)
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get cwd: %w", err)
	}
	settings, err := config.LoadSettings(cwd, opts.Settings)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	store, err := session.NewStore()
	if err != nil {
		return nil, err
	}

	profile := opts.Profile
	if profile == "" {
		profile = settings.Profile
	}

	client := openai.NewClient(
		cfg.ChatURL,
		cfg.APIKey,
		time.Duration(cfg.TimeoutMS)*time.Millisecond,
		openai.WithLogger(logger),
		openai.WithMaxPayloadRetries(cfg.PayloadRetries()),
	)
	a := &app{
		opts:       opts,
		store:      store,
		catalog:    notice.Default(),
		logger:     logger,
		locale:     config.ResolveLocale(cfg, opts.Locale, settings.Locale),
		model:      config.ResolveModel(cfg, opts.Model, settings.Model),
		profileKey: session.ProfileKey(profile),
		in:         os.Stdin,
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
	a.runner = &assistant.Runner{Client: client, Model: a.model, Locale: a.locale, Logger: logger}

	if err := a.resolveSession(); err != nil {
		return nil, err
	}
	logger.Debug("session resolved",
		zap.String("session_id", a.sessionID),
		zap.Int("turns", len(a.history)),
		zap.String("locale", a.locale))
	return a, nil
}

// configPath returns the config path for messages.
func configPath(opts *options) string {
	if opts.ConfigPath != "" {
		return opts.ConfigPath
	}
	path, err := config.ConfigPath()
	if err != nil {
		return "~/.arthelper/config.json"
	}
	return path
}

// resolveSession picks the session id and loads its history, if any.
func (a *app) resolveSession() error {
	opts := a.opts
	switch {
	case opts.SessionID != "":
		return a.loadSession(opts.SessionID, true)
	case opts.Continue:
		lastID, err := a.store.LoadLastSession(a.profileKey)
		if err == nil && session.ValidSessionID(lastID) {
			return a.loadSession(lastID, true)
		}
		if err == nil && lastID != "" {
			a.logger.Warn("ignoring invalid last session id", zap.String("session_id", lastID))
		}
	case opts.Resume == "picker":
		picked, err := pickSession(a.store, a.in, a.out)
		if err != nil {
			return err
		}
		return a.loadSession(picked, false)
	case opts.Resume != "":
		return a.loadSession(opts.Resume, false)
	}
	a.sessionID = session.NewSessionID()
	return nil
}

// loadSession switches to id; a missing file is fine when allowMissing is set.
func (a *app) loadSession(id string, allowMissing bool) error {
	if !session.ValidSessionID(id) {
		return fmt.Errorf("invalid session id %q", id)
	}
	history, err := a.store.LoadHistory(id)
	if err != nil {
		if !(allowMissing && errors.Is(err, os.ErrNotExist)) {
			return fmt.Errorf("load session %s: %w", id, err)
		}
	}
	a.sessionID = id
	a.history = history
	return nil
}

// pickSession shows a small chooser for recent sessions.
func pickSession(store *session.Store, in io.Reader, out io.Writer) (string, error) {
	list, err := store.ListSessions(10)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", errors.New("no sessions available")
	}
	fmt.Fprintln(out, "Select a session:")
	for i, item := range list {
		fmt.Fprintf(out, "%d) %s  %s\n", i+1, item.ID, item.UpdatedAt.Format(time.DateTime))
	}
	fmt.Fprint(out, "Enter number: ")
	var index int
	if _, err := fmt.Fscanln(in, &index); err != nil {
		return "", errors.New("no session selected")
	}
	if index < 1 || index > len(list) {
		return "", errors.New("selection out of range")
	}
	return list[index-1].ID, nil
}

// persist stores the turns added since previousLen and remembers the session.
func (a *app) persist(previousLen int, history conversation.History) error {
	if a.opts.NoSessionPersistence || a.store == nil {
		return nil
	}
	if previousLen > len(history) {
		previousLen = 0
	}
	if err := a.store.AppendTurns(a.sessionID, history[previousLen:]); err != nil {
		return err
	}
	return a.store.SaveLastSession(a.profileKey, a.sessionID)
}

// turnHistory returns the history a turn left behind, successful or not.
func turnHistory(result *assistant.TurnResult, err error) (conversation.History, bool) {
	if result != nil {
		return result.History, true
	}
	var turnErr *assistant.TurnError
	if errors.As(err, &turnErr) {
		return turnErr.History, true
	}
	return nil, false
}
