// ABOUTME: Entry point for the relaydesk gateway server
// ABOUTME: Subcommands for serving, setup, operator bootstrap and account linking

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/relaydesk/relaydesk/internal/auth"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/internal/gateway"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
          _                 _           _
 _ __ ___| | __ _ _   _  __| | ___  ___| | __
| '__/ _ \ |/ _' | | | |/ _' |/ _ \/ __| |/ /
| | |  __/ | (_| | |_| | (_| |  __/\__ \   <
|_|  \___|_|\__,_|\__, |\__,_|\___||___/_|\_\
                  |___/
`

// getDataPath returns the path to the relaydesk data directory.
// Priority: XDG_DATA_HOME/relaydesk > ~/.local/share/relaydesk
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "relaydesk")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relaydesk <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the gateway server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --name NAME  Create the initial operator and token")
		fmt.Println("  link                   Link a platform account to an operator")
		fmt.Println("  health                 Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "link":
		err = runLink(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)

	var platforms []string
	if cfg.Platforms.WhatsApp.Enabled {
		platforms = append(platforms, "whatsapp")
	}
	if cfg.Platforms.Telegram.Enabled {
		platforms = append(platforms, "telegram")
	}
	if len(platforms) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Platforms: ")
		cyan.Print(strings.Join(platforms, ", "))
		fmt.Println()
	} else {
		yellow.Println("    ▶ No platforms enabled")
	}

	fmt.Println()

	logger.Info("starting relaydesk",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runBootstrap performs first-time setup of the gateway:
// 1. Creates a config file with a random JWT secret (if not exists)
// 2. Creates the database and the initial operator
// 3. Generates a JWT token for the operator
//
// This is a one-command setup: relaydesk bootstrap --name "Your Name"
func runBootstrap(ctx context.Context) error {
	// Supports both "--name value" and "--name=value" formats
	var displayName string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-n="):
			displayName = strings.TrimPrefix(arg, "-n=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(displayName) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}

	configPath := config.DefaultPath()
	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "gateway.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	var cfg *config.Config
	var jwtSecret string

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Generate random JWT secret
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}

		configContent := fmt.Sprintf(`# relaydesk configuration
# Generated by relaydesk bootstrap

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

		if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		green.Printf("  ✓ Created config: %s\n", configPath)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		jwtSecret = cfg.Auth.JWTSecret

		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	green.Printf("  ✓ Database: %s\n", cfg.Database.Path)

	count, err := s.CountOperators(ctx)
	if err != nil {
		return fmt.Errorf("checking operators: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("bootstrap already complete: %d operator(s) exist", count)
	}

	operatorID := uuid.New().String()
	operator := &store.Operator{
		ID:          operatorID,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateOperator(ctx, operator); err != nil {
		return fmt.Errorf("creating operator: %w", err)
	}

	green.Printf("  ✓ Created operator: %s\n", displayName)

	verifier := auth.NewJWTVerifier([]byte(jwtSecret))

	// Default TTL: 30 days
	tokenTTL := 30 * 24 * time.Hour
	expiresAt := time.Now().Add(tokenTTL).UTC()

	token, err := verifier.Generate(operatorID, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	// Save token to file for CLI tools to read
	tokenPath := filepath.Join(filepath.Dir(configPath), "token")
	if err := os.WriteFile(tokenPath, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	green.Printf("  ✓ Saved token: %s\n", tokenPath)

	fmt.Println()
	green.Println("  Bootstrap complete!")
	fmt.Println()
	cyan.Println("  Operator")
	cyan.Println("  --------")
	fmt.Printf("  ID:           %s\n", operatorID)
	fmt.Printf("  Display Name: %s\n", displayName)
	fmt.Printf("  Token:        %s (expires %s)\n", tokenPath, expiresAt.Format("Jan 02, 2006"))
	fmt.Println()

	yellow.Println("  Ready to go:")
	fmt.Println("    relaydesk link --platform whatsapp ...   # connect a platform account")
	fmt.Println("    relaydesk serve                          # start the gateway")
	fmt.Println()

	return nil
}

// runLink connects a platform account to an operator so inbound webhooks for
// that account resolve instead of being rejected.
func runLink(ctx context.Context) error {
	flags, err := parseLinkFlags(os.Args[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	operatorID := flags.operator
	if operatorID == "" {
		// Single-operator installs can omit --operator
		ops, err := s.ListOperators(ctx)
		if err != nil {
			return fmt.Errorf("listing operators: %w", err)
		}
		if len(ops) != 1 {
			return fmt.Errorf("--operator is required when %d operators exist", len(ops))
		}
		operatorID = ops[0].ID
	}

	if _, err := s.GetOperator(ctx, operatorID); err != nil {
		return fmt.Errorf("looking up operator %s: %w", operatorID, err)
	}

	acct := &store.LinkedAccount{
		ID:                uuid.New().String(),
		OwnerUserID:       operatorID,
		Platform:          flags.platform,
		ExternalAccountID: flags.accountID,
		DisplayName:       flags.displayName,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.CreateLinkedAccount(ctx, acct); err != nil {
		return fmt.Errorf("linking account: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Linked %s account %s\n", flags.platform, flags.accountID)
	fmt.Printf("  Account ID: %s\n", acct.ID)
	fmt.Printf("  Operator:   %s\n", operatorID)
	return nil
}

type linkFlags struct {
	platform    string
	accountID   string
	displayName string
	operator    string
}

func parseLinkFlags(args []string) (*linkFlags, error) {
	flags := &linkFlags{}
	for i := 0; i < len(args); i++ {
		var target *string
		switch args[i] {
		case "--platform":
			target = &flags.platform
		case "--account-id":
			target = &flags.accountID
		case "--display-name":
			target = &flags.displayName
		case "--operator":
			target = &flags.operator
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s requires a value", args[i])
		}
		i++
		*target = args[i]
	}

	if flags.platform == "" {
		return nil, fmt.Errorf("--platform is required")
	}
	if flags.accountID == "" {
		return nil, fmt.Errorf("--account-id is required")
	}
	return flags, nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relaydesk configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultConfigPath := config.DefaultPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Authentication ---")
	jwtSecret := prompt(reader, "JWT secret (leave empty to generate)", "")
	if jwtSecret == "" {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- WhatsApp (Twilio) ---")
	enableWhatsApp := promptYes(reader, "Enable WhatsApp?", "no")
	var waSID, waToken, waWebhook string
	if enableWhatsApp {
		waSID = prompt(reader, "Twilio account SID", "${TWILIO_ACCOUNT_SID}")
		waToken = prompt(reader, "Twilio auth token", "${TWILIO_AUTH_TOKEN}")
		waWebhook = prompt(reader, "Public webhook URL", "")
	}

	fmt.Println("\n--- Telegram ---")
	enableTelegram := promptYes(reader, "Enable Telegram?", "no")
	var tgBotID, tgToken, tgSecret string
	if enableTelegram {
		tgBotID = prompt(reader, "Bot ID", "")
		tgToken = prompt(reader, "Bot token", "${TELEGRAM_BOT_TOKEN}")
		tgSecret = prompt(reader, "Webhook secret token", "")
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# relaydesk configuration\n")
	cfg.WriteString("# Generated by relaydesk init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n", jwtSecret))
	cfg.WriteString("\n")

	cfg.WriteString("dispatch:\n")
	cfg.WriteString("  send_timeout: \"30s\"\n")
	cfg.WriteString("  backoff_base: \"1s\"\n")
	cfg.WriteString("  max_attempts: 3\n")
	cfg.WriteString("\n")

	cfg.WriteString("ingress:\n")
	cfg.WriteString("  dedupe_ttl: \"5m\"\n")
	cfg.WriteString("  dedupe_max_size: 100000\n")
	cfg.WriteString("\n")

	cfg.WriteString("platforms:\n")
	cfg.WriteString("  whatsapp:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", enableWhatsApp))
	if enableWhatsApp {
		cfg.WriteString(fmt.Sprintf("    account_sid: \"%s\"\n", waSID))
		cfg.WriteString(fmt.Sprintf("    auth_token: \"%s\"\n", waToken))
		cfg.WriteString(fmt.Sprintf("    webhook_url: \"%s\"\n", waWebhook))
	}
	cfg.WriteString("  telegram:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", enableTelegram))
	if enableTelegram {
		cfg.WriteString(fmt.Sprintf("    bot_id: \"%s\"\n", tgBotID))
		cfg.WriteString(fmt.Sprintf("    token: \"%s\"\n", tgToken))
		cfg.WriteString(fmt.Sprintf("    webhook_secret: \"%s\"\n", tgSecret))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  relaydesk serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptYes(reader *bufio.Reader, question, defaultVal string) bool {
	answer := strings.ToLower(prompt(reader, question, defaultVal))
	return answer == "yes" || answer == "y"
}
