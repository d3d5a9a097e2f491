package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"mobileconnect/discovery"
	"mobileconnect/rest"
	"mobileconnect/sandbox"
	"mobileconnect/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("MC_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	command := "serve"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	switch command {
	case "serve":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runServe(ctx, cfg, logger); err != nil {
			log.Fatalf("serve: %v", err)
		}
	case "sandbox":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cfg.Sandbox.Enabled = true
		if err := runSandbox(ctx, cfg, logger); err != nil {
			log.Fatalf("sandbox: %v", err)
		}
	case "discover":
		var mcc, mnc string
		switch len(args) {
		case 0:
		case 2:
			mcc, mnc = args[0], args[1]
		default:
			log.Fatalf("usage: %s [-config path] discover [<mcc> <mnc>]", os.Args[0])
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.MobileConnect.Timeout+time.Second)
		defer cancel()
		if err := runDiscover(ctx, cfg, logger, mcc, mnc, os.Stdout, nil); err != nil {
			logger.Error("discovery failed", "error", err)
			os.Exit(1)
		}
	default:
		log.Fatalf("unknown command %q. Use 'serve', 'sandbox' or 'discover'", command)
	}
}

func runServe(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	var shutdownFns []func(context.Context) error

	if cfg.Sandbox.Enabled {
		srv, err := newSandboxServer(cfg, logger)
		if err != nil {
			return err
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		go listen(srv, logger, "sandbox")
	}

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	go sweep(ctx, application.Store, time.Minute)

	validateStartupURLs(ctx, cfg, logger)

	handler := application.Routes()

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2*cfg.MobileConnect.Timeout + 15*time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr)
		go listen(srv, logger, "relying party")
	} else {
		tlsCachePath := filepath.Join(cfg.Server.SecretsPath, "tls")

		m := &autocert.Manager{
			Cache:      autocert.DirCache(tlsCachePath),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tlsVersion(cfg.Server.TLS.MinVersion),
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go listen(httpRedirect, logger, "http redirect")

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	shutdown(shutdownFns)
	return nil
}

func runSandbox(ctx context.Context, cfg server.Config, logger *slog.Logger) error {
	srv, err := newSandboxServer(cfg, logger)
	if err != nil {
		return err
	}
	go listen(srv, logger, "sandbox")
	<-ctx.Done()
	shutdown([]func(context.Context) error{srv.Shutdown})
	return nil
}

func newSandboxServer(cfg server.Config, logger *slog.Logger) (*http.Server, error) {
	sb, err := sandbox.New(cfg.Sandbox.Config, logger.With("component", "sandbox"))
	if err != nil {
		return nil, fmt.Errorf("init sandbox: %w", err)
	}
	logger.Info("sandbox listening", "addr", cfg.Sandbox.ListenAddr, "operators", len(cfg.Sandbox.Operators))
	return &http.Server{
		Addr:         cfg.Sandbox.ListenAddr,
		Handler:      sb.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}, nil
}

func listen(srv *http.Server, logger *slog.Logger, name string) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "server", name, "error", err)
	}
}

func shutdown(fns []func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range fns {
		_ = fn(ctx)
	}
}

func sweep(ctx context.Context, store *server.InMemoryStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep()
		}
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func tlsVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// discoverySummary is what the discover command prints.
type discoverySummary struct {
	Cached       bool                        `json:"cached"`
	ResponseCode int                         `json:"response_code"`
	TTL          time.Time                   `json:"ttl"`
	SelectionURL string                      `json:"operator_selection_url,omitempty"`
	Operator     string                      `json:"serving_operator,omitempty"`
	SubscriberID string                      `json:"subscriber_id,omitempty"`
	Endpoints    *discovery.OperatorEndpoints `json:"endpoints,omitempty"`
}

// runDiscover performs automated discovery. When the operator cannot be
// identified and mcc/mnc are given, it completes discovery for that
// operator; the cookie jar carries the selection cookie between the calls.
func runDiscover(ctx context.Context, cfg server.Config, logger *slog.Logger, mcc, mnc string, out io.Writer, httpClient *http.Client) error {
	client := httpClient
	if client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return fmt.Errorf("create cookie jar: %w", err)
		}
		client = &http.Client{Jar: jar}
	}

	svc := discovery.New(rest.NewClient(client, logger), nil, logger)
	creds := discovery.Credentials{
		ClientID:     cfg.MobileConnect.ClientID,
		ClientSecret: cfg.MobileConnect.ClientSecret,
		DiscoveryURL: cfg.MobileConnect.DiscoveryURL,
	}
	redirect := cfg.DiscoveryRedirect()

	result, err := svc.StartAutomatedOperatorDiscovery(ctx, creds, redirect, &discovery.Options{
		CookiesEnabled: cfg.MobileConnect.CookiesEnabled,
		Timeout:        cfg.MobileConnect.Timeout,
	}, nil)
	if err != nil {
		return err
	}
	if discovery.IsErrorResponse(result) {
		e := discovery.GetErrorResponse(result)
		return fmt.Errorf("discovery service returned %s: %s", e.Error, e.Description)
	}

	selection, err := discovery.IsOperatorSelectionRequired(result)
	if err != nil {
		return err
	}
	if selection && mcc != "" && mnc != "" {
		logger.Info("discover.select", "mcc", mcc, "mnc", mnc)
		result, err = svc.CompleteSelectedOperatorDiscovery(ctx, creds, redirect, mcc, mnc,
			&discovery.TimeoutOptions{Timeout: cfg.MobileConnect.Timeout}, nil)
		if err != nil {
			return err
		}
		if discovery.IsErrorResponse(result) {
			e := discovery.GetErrorResponse(result)
			return fmt.Errorf("discovery service returned %s: %s", e.Error, e.Description)
		}
	}

	summary := discoverySummary{
		Cached:       result.Cached,
		ResponseCode: result.ResponseCode,
		TTL:          result.TTL,
		SelectionURL: discovery.ExtractOperatorSelectionURL(result),
	}
	if result.Data != nil {
		summary.SubscriberID = result.Data.SubscriberID
		if result.Data.Response != nil {
			summary.Operator = result.Data.Response.ServingOperator
		}
	}
	if ep, ok := result.OperatorEndpoints(); ok {
		ep.ClientSecret = ""
		summary.Endpoints = &ep
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file not found, using defaults", "path", path)
			return server.LoadConfig("")
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating configuration URLs...")
	if err := validateURL(ctx, cfg.MobileConnect.DiscoveryURL); err != nil {
		logger.Error("discovery URL validation failed", "url", cfg.MobileConnect.DiscoveryURL, "error", err)
	} else {
		logger.Info("discovery URL is accessible", "url", cfg.MobileConnect.DiscoveryURL)
	}
	logger.Info("configuration validation complete")
	return nil
}

func validateStartupURLs(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	// The bundled sandbox may still be starting; it is checked by the first request.
	if cfg.Sandbox.Enabled {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := validateURL(ctx, cfg.MobileConnect.DiscoveryURL); err != nil {
		logger.Warn("discovery URL may not be accessible",
			"url", cfg.MobileConnect.DiscoveryURL,
			"error", err,
			"note", "server will continue but discovery may fail")
		return
	}
	logger.Info("discovery URL is accessible", "url", cfg.MobileConnect.DiscoveryURL)
}

// validateURL checks that the endpoint answers. Client errors count as
// reachable since discovery rejects unauthenticated probes.
func validateURL(ctx context.Context, urlStr string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("received status %d", resp.StatusCode)
	}
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for a Mobile Connect relying party. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := askYesNo(reader, out, "Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(ask(reader, out, "Relying party public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = ask(reader, out, "Relying party dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := askRequired(reader, out, "Primary public domain (e.g. rp.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = ask(reader, out, "ACME contact email", cfg.Server.TLS.Email)
	}

	useSandbox := askYesNo(reader, out, "Use the built-in operator sandbox?", devMode)
	cfg.Sandbox.Enabled = useSandbox
	if !useSandbox {
		cfg.MobileConnect.DiscoveryURL = askRequired(reader, out, "Discovery endpoint URL")
		cfg.MobileConnect.ClientID = askRequired(reader, out, "Discovery client ID")
		cfg.MobileConnect.ClientSecret = askRequired(reader, out, "Discovery client secret")
	}

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func askYesNo(reader *bufio.Reader, out io.Writer, prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(out, "%s [%s]: ", prompt, defLabel)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(out, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
