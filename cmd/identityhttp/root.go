package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/d-kuro/identityhttp"
	"github.com/d-kuro/identityhttp/pkg/constants"
	"github.com/d-kuro/identityhttp/pkg/session"
	"github.com/d-kuro/identityhttp/pkg/storage"
)

// BuildVersion is set at link time.
var BuildVersion = "dev"

type rootOptions struct {
	configPath string
	storeDir   string
	verbosity  int
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:          constants.LibraryName,
		Short:        "Authenticated HTTP client for identity backends",
		Long:         "Log in with the browser, then make requests that carry the session's bearer token and refresh it when the backend rejects it.",
		SilenceUsage: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Config file. Defaults to ./identityhttp.yaml or ~/.identityhttp/identityhttp.yaml.")
	flags.StringVar(&opts.storeDir, "store-dir", "", "Directory holding the stored session. Defaults to ~/.identityhttp.")
	flags.CountVarP(&opts.verbosity, "verbose", "v", "Increase log verbosity. Repeat for more detail.")
	flags.String("server-url", constants.DefaultServerURL, "Identity backend URL. Can also be set via IDENTITYHTTP_SERVER_URL.")
	flags.String("client-id", "", "OAuth2 client ID. Can also be set via IDENTITYHTTP_OAUTH2_CLIENT_ID.")
	flags.Duration("timeout", constants.DefaultHTTPTimeout, "HTTP timeout.")

	rootCmd.AddCommand(
		newLoginCommand(opts),
		newGetCommand(opts),
		newStatusCommand(opts),
		newLogoutCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				cmd.Printf("%s %s (library %s)\n", constants.LibraryName, BuildVersion, constants.LibraryVersion)
			},
		},
	)
	return rootCmd
}

// newLogger maps -v counts onto logr verbosity through slog levels.
func (o *rootOptions) newLogger(cmd *cobra.Command) logr.Logger {
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: slog.Level(-o.verbosity),
	})
	return logr.FromSlogHandler(handler).WithName(constants.LibraryName)
}

// newClient builds a client backed by the filesystem store.
func (o *rootOptions) newClient(cmd *cobra.Command) (*identityhttp.Client, error) {
	cfg, err := loadConfig(o.configPath, cmd.Flags())
	if err != nil {
		return nil, err
	}

	store, err := storage.NewFileSystemStore(o.storeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return identityhttp.NewClient(
		withConfig(cfg),
		identityhttp.WithCredentialStore(store),
		identityhttp.WithLogger(o.newLogger(cmd)),
	)
}

// restore returns the stored session, or nil when nobody is logged in.
func restore(client *identityhttp.Client) (*session.Session, error) {
	s, err := client.RestoreSession()
	if errors.Is(err, storage.ErrStorageNotFound) {
		return nil, nil
	}
	return s, err
}

func defaultStoreDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, constants.DefaultStorageDir), nil
}
