package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/sync/errgroup"

	"github.com/d-kuro/identityhttp/pkg/browser"
	"github.com/d-kuro/identityhttp/pkg/constants"
)

var errNotLoggedIn = errors.New("not logged in, run the login command first")

func newLoginCommand(root *rootOptions) *cobra.Command {
	var noBrowser bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in with the browser and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			opts := browser.Options{Output: cmd.OutOrStdout()}
			if noBrowser {
				opts.OpenURL = func(string) error { return errors.New("browser disabled") }
			}

			s := client.NewSession()
			if err := client.LoginWithBrowser(cmd.Context(), s, opts); err != nil {
				return err
			}
			cmd.Printf("Logged in as %s\n", s.UserID())
			if path := s.StoragePath(); path != "" {
				cmd.Printf("Session stored in %s\n", path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBrowser, "no-browser", false, "Print the login URL instead of opening a browser.")
	return cmd
}

type getOptions struct {
	headers     []string
	include     bool
	concurrency int
}

type fetchResult struct {
	url  string
	resp *http.Response
	body []byte
}

func newGetCommand(root *rootOptions) *cobra.Command {
	opts := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get URL...",
		Short: "Fetch URLs with the stored session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			header, err := parseHeaders(opts.headers)
			if err != nil {
				return err
			}
			for _, target := range args {
				if err := validateURL(target); err != nil {
					return fmt.Errorf("%s: %w", target, err)
				}
			}

			client, err := root.newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			s, err := restore(client)
			if err != nil {
				return err
			}
			if s == nil {
				return errNotLoggedIn
			}
			httpClient := client.HTTPClient(s)

			results := make([]fetchResult, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(max(opts.concurrency, 1))
			for i, target := range args {
				i, target := i, target
				g.Go(func() error {
					result, err := fetch(ctx, httpClient, target, header)
					if err != nil {
						return fmt.Errorf("%s: %w", target, err)
					}
					results[i] = result
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, result := range results {
				if len(results) > 1 {
					_, _ = fmt.Fprintf(out, "==> %s <==\n", result.url)
				}
				if opts.include {
					writeHead(out, result.resp)
				}
				_, _ = out.Write(result.body)
				if len(result.body) > 0 && result.body[len(result.body)-1] != '\n' {
					_, _ = fmt.Fprintln(out)
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&opts.headers, "header", "H", nil, `Extra request header, e.g. -H "Accept: application/json".`)
	flags.BoolVarP(&opts.include, "include", "i", false, "Print the response status line and headers.")
	flags.IntVar(&opts.concurrency, "concurrency", 4, "Maximum number of URLs fetched at once.")
	return cmd
}

// validateURL refuses anything but absolute http and https URLs.
func validateURL(raw string) error {
	if len(raw) > constants.MaxURLLength {
		return fmt.Errorf("URL exceeds maximum length of %d characters", constants.MaxURLLength)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q (only http/https allowed)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("URL missing host")
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, target string, header http.Header) (fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetchResult{}, err
	}
	for name, values := range header {
		req.Header[name] = values
	}

	resp, err := client.Do(req)
	if err != nil {
		return fetchResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchResult{}, err
	}
	return fetchResult{url: target, resp: resp, body: body}, nil
}

func writeHead(w io.Writer, resp *http.Response) {
	_, _ = fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		for _, value := range resp.Header[name] {
			_, _ = fmt.Fprintf(w, "%s: %s\n", name, value)
		}
	}
	_, _ = fmt.Fprintln(w)
}

// parseHeaders turns "Name: value" flags into a header.
func parseHeaders(raw []string) (http.Header, error) {
	header := http.Header{}
	for _, line := range raw {
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("invalid header %q", line)
		}
		header.Add(name, value)
	}
	return header, nil
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			s, err := restore(client)
			if err != nil {
				return err
			}
			if s == nil {
				s = client.NewSession()
			}

			data, err := json.MarshalIndent(client.GetAuthStatus(s), "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func newLogoutCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := root.newClient(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			s, err := restore(client)
			if err != nil {
				return err
			}
			if s == nil || !client.Logout(s) {
				cmd.Println("Not logged in")
				return nil
			}
			cmd.Println("Logged out")
			return nil
		},
	}
}
