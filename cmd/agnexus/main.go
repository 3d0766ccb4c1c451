// Command agnexus runs the Anthropic-compatible dispatcher proxy. The
// default subcommand is serve; login, accounts and import manage the
// account pool from the terminal.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/auth/google"
	"github.com/pysugar/antigravity-nexus/internal/auth/token"
	"github.com/pysugar/antigravity-nexus/internal/dispatch"
	"github.com/pysugar/antigravity-nexus/internal/logging"
	"github.com/pysugar/antigravity-nexus/internal/pool"
	"github.com/pysugar/antigravity-nexus/internal/proxy/handlers"
	"github.com/pysugar/antigravity-nexus/internal/ratelimit"
	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/upstream"
	"github.com/pysugar/antigravity-nexus/internal/usage"
	"github.com/pysugar/antigravity-nexus/internal/version"
)

func main() {
	logging.Setup()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "login":
		err = runLogin(args)
	case "accounts":
		err = runAccounts(args)
	case "import":
		err = runImport(args)
	case "version":
		fmt.Printf("agnexus %s (%s, built %s)\n", version.Version, version.Commit, version.BuildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: agnexus [serve|login|accounts|import|version] [flags]\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		logrus.Fatal(err)
	}
}

func openStore(cfg store.Config) (*store.Store, error) {
	path, err := store.AccountsPath()
	if err != nil {
		return nil, err
	}
	return store.Open(path, cfg.MaxAccounts)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "listen address (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := store.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open accounts: %w", err)
	}

	client := upstream.NewClient(cfg.RequestTimeout())
	resolver := token.NewResolver(st, client)
	resolver.StartRefreshLoop()
	defer resolver.Stop()

	limits := ratelimit.NewTracker()
	defer limits.Close()

	usagePath, err := store.UsageHistoryPath()
	if err != nil {
		return err
	}
	legacyPath, err := store.LegacyUsagePath()
	if err != nil {
		return err
	}
	tracker, err := usage.NewTracker(usagePath, legacyPath)
	if err != nil {
		return fmt.Errorf("open usage history: %w", err)
	}
	tracker.Start()
	defer tracker.Stop()

	pm := pool.NewManager(st, resolver, cfg)
	disp := dispatch.New(pm, resolver, client, limits, tracker, cfg)
	srv := handlers.New(cfg, disp, pm, tracker, resolver, st)

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if logging.DebugEnabled() {
		r.Use(chimiddleware.Logger)
	}
	srv.Routes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{Addr: addr, Handler: r}

	logrus.WithFields(logrus.Fields{
		"addr":     addr,
		"strategy": cfg.Strategy,
		"accounts": st.Len(),
		"version":  version.Version,
	}).Info("agnexus listening")

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	port := fs.Int("port", 0, "loopback callback port (0 = default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := store.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port == 0 {
		*port = cfg.OAuthCallbackPort
	}

	flow, err := google.StartFlow(*port)
	if err != nil {
		return fmt.Errorf("start oauth flow: %w", err)
	}
	defer flow.Abort()

	fmt.Println("Open this URL in your browser to sign in:")
	fmt.Println()
	fmt.Println("  " + flow.AuthURL())
	fmt.Println()
	fmt.Printf("Waiting for the callback on port %d...\n", flow.Port())

	res, err := flow.Wait(context.Background())
	if err != nil {
		return fmt.Errorf("oauth flow: %w", err)
	}
	if res.Token == nil || res.Token.RefreshToken == "" {
		return fmt.Errorf("oauth flow returned no refresh token; remove the app from your Google account and retry")
	}

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open accounts: %w", err)
	}
	err = st.Upsert(store.Account{
		Email: res.Email,
		Kind:  store.CredentialOAuth,
		Credential: token.FormatRefresh(token.CompositeRefresh{
			RefreshToken: res.Token.RefreshToken,
		}),
		Enabled: true,
	})
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	fmt.Printf("Account %s enrolled (%d in pool).\n", res.Email, st.Len())
	return nil
}

func runAccounts(args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the raw account list as JSON")
	models := fs.String("models", "", "list upstream models visible to the given account email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := store.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open accounts: %w", err)
	}

	if *models != "" {
		return printUpstreamModels(st, cfg, *models)
	}

	accounts := st.List()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(accounts)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts enrolled. Run: agnexus login")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-32s %-8s %-8s %-9s %s\n", "ACCOUNT", "TIER", "STATE", "FAILURES", "LIMITED MODELS")
	for _, a := range accounts {
		state := "ok"
		switch {
		case a.Invalid:
			state = "invalid"
		case !a.Enabled:
			state = "disabled"
		}
		var limited []string
		for model, rl := range a.RateLimits {
			if rl.Limited && rl.ResetAt.After(now) {
				limited = append(limited, fmt.Sprintf("%s (reset %ds)", model, int(time.Until(rl.ResetAt).Seconds())))
			}
		}
		sort.Strings(limited)
		if state == "ok" && len(limited) > 0 {
			state = "limited"
		}
		tier := a.Tier
		if tier == "" {
			tier = "-"
		}
		models := strings.Join(limited, ", ")
		if models == "" {
			models = "-"
		}
		fmt.Printf("%-32s %-8s %-8s %-9d %s\n", a.Email, tier, state, a.ConsecutiveFailures, models)
	}
	return nil
}

// printUpstreamModels fetches the model list the account's token can see and
// prints the response body.
func printUpstreamModels(st *store.Store, cfg store.Config, email string) error {
	client := upstream.NewClient(cfg.RequestTimeout())
	resolver := token.NewResolver(st, client)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout())
	defer cancel()

	accessToken, err := resolver.GetToken(ctx, email)
	if err != nil {
		return fmt.Errorf("resolve token for %s: %w", email, err)
	}
	resp, err := client.FetchAvailableModels(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch models: upstream returned %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		os.Stdout.Write(data)
		return nil
	}
	pretty.WriteByte('\n')
	os.Stdout.Write(pretty.Bytes())
	return nil
}

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	email := fs.String("email", "", "account email to register the credential under (required)")
	file := fs.String("file", "", "credentials JSON file with a refresh_token field")
	dbPath := fs.String("db", "", "IDE state database path (default: platform location)")
	project := fs.String("project", "", "optional project id to pin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("-email is required")
	}

	var refresh string
	switch {
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read credentials file: %w", err)
		}
		var creds struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := json.Unmarshal(data, &creds); err != nil {
			return fmt.Errorf("parse credentials file: %w", err)
		}
		if creds.RefreshToken == "" {
			return fmt.Errorf("credentials file has no refresh_token")
		}
		refresh = creds.RefreshToken
	default:
		state, err := token.ReadLocalAuthState(*dbPath)
		if err != nil {
			return fmt.Errorf("read IDE auth state: %w", err)
		}
		if state.RefreshToken == "" {
			return fmt.Errorf("IDE auth state has no refresh token; sign in to the IDE first")
		}
		refresh = state.RefreshToken
	}

	cfg, err := store.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open accounts: %w", err)
	}
	err = st.Upsert(store.Account{
		Email: *email,
		Kind:  store.CredentialOAuth,
		Credential: token.FormatRefresh(token.CompositeRefresh{
			RefreshToken: refresh,
			ProjectID:    *project,
		}),
		Enabled: true,
	})
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	fmt.Printf("Account %s imported (%d in pool).\n", *email, st.Len())
	return nil
}
