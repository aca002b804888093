package main

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-ledger/internal/archive"
	"github.com/zombor/receipt-ledger/internal/config"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/relay"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const maxPayers = 4

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to load .env", "error", err)
		os.Exit(1)
	}

	fs := ff.NewFlagSet("receipt-ledger")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "receipt-ledger.db", "Session database file path")
		_              = fs.StringLong("config", "", "YAML config file")
		scannerType    = fs.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		models         = fs.StringLong("models", "", "Comma separated model allow-list; the first is the default")
		schemaVersion  = fs.StringLong("schema-version", "v2", "Response schema: 'v1' or 'v2'")
		currency       = fs.StringLong("currency", receipt.DefaultCurrency, "Currency every receipt must be in")
		promptFile     = fs.StringLong("prompt-file", "", "Prompt template file (text/template)")
		loginID        = fs.StringLong("login-id", "", "Shared login ID")
		loginPass      = fs.StringLong("login-pass", "", "Shared login password")
		sessionSecret  = fs.StringLong("session-secret", "", "Secret for signing session cookies (random if empty)")
		insecureCookie = fs.BoolLong("insecure-cookie", "Send the session cookie over plain http (local testing only)")
		sheetsCredFile = fs.StringLong("sheets-credentials", "", "Service account JSON file for Google Sheets")
		sheetsCredJSON = fs.StringLong("sheets-credentials-json", "", "Service account JSON for Google Sheets")
		spreadsheetID  = fs.StringLong("spreadsheet-id", "", "Target spreadsheet ID")
		sheetRange     = fs.StringLong("sheet-range", ledger.DefaultRange, "A1 range rows are appended to")
		payers         = fs.StringLong("payers", "", "Comma separated payer names (at most 4)")
		archiveDir     = fs.StringLong("archive-dir", "", "Keep a copy of extracted images in this directory")
		archiveBucket  = fs.StringLong("archive-s3-bucket", "", "Keep a copy of extracted images in this S3 bucket")
		archiveRegion  = fs.StringLong("archive-s3-region", "", "Region of the archive bucket")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_LEDGER"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(config.ParseYAML),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	// Build the extraction profile
	schemaVer, err := receipt.ParseSchemaVersion(*schemaVersion)
	if err != nil {
		slog.Error("Invalid schema version", "error", err)
		os.Exit(1)
	}
	profile := receipt.DefaultProfile()
	profile.SchemaVersion = schemaVer
	profile.Currency = strings.ToUpper(strings.TrimSpace(*currency))
	if *promptFile != "" {
		tmpl, err := os.ReadFile(*promptFile)
		if err != nil {
			slog.Error("Failed to read prompt file", "error", err)
			os.Exit(1)
		}
		profile.PromptTemplate = string(tmpl)
	}
	if list := config.SplitList(*models); len(list) > 0 {
		profile.EnabledModels = list
	} else if *scannerType == "ollama" {
		profile.EnabledModels = []string{*ollamaModel}
	}
	if _, err := profile.Prompt(); err != nil {
		slog.Error("Invalid prompt template", "error", err)
		os.Exit(1)
	}

	payerList := config.SplitList(*payers)
	if len(payerList) > maxPayers {
		slog.Error("Too many payers", "count", len(payerList), "max", maxPayers)
		os.Exit(1)
	}

	if *loginID == "" || *loginPass == "" {
		slog.Error("Login ID and password are required. Set --login-id and --login-pass")
		os.Exit(1)
	}

	// Initialize scanner based on type
	schema := scanning.ReceiptSchema(profile.SchemaVersion, profile.Currency)
	var generator scanning.Generator
	switch *scannerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "models", profile.EnabledModels)
		generator, err = scanning.NewGemini(apiKey, schema)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		generator, err = scanning.NewOllama(*ollamaURL, *ollamaModel, schema)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}
	defer generator.Close()

	// Initialize spreadsheet
	slog.Info("Initializing spreadsheet...", "spreadsheet", *spreadsheetID, "range", *sheetRange)
	credentials := []byte(*sheetsCredJSON)
	if *sheetsCredFile != "" {
		credentials, err = os.ReadFile(*sheetsCredFile)
		if err != nil {
			slog.Error("Failed to read sheets credentials", "error", err)
			os.Exit(1)
		}
	}
	sheets, err := ledger.NewSheets(ctx, ledger.SheetsConfig{
		SpreadsheetID:   *spreadsheetID,
		Range:           *sheetRange,
		CredentialsJSON: credentials,
	})
	if err != nil {
		slog.Error("Failed to initialize spreadsheet", "error", err)
		os.Exit(1)
	}

	// Initialize sessions
	secret := []byte(*sessionSecret)
	if len(secret) == 0 {
		secret = randomSecret()
		slog.Warn("No session secret configured, sessions will not survive a restart")
	}
	slog.Info("Initializing session database...", "path", *dbPath)
	sessions, err := relay.NewSessionStore(*dbPath, secret, relay.DefaultSessionTTL)
	if err != nil {
		slog.Error("Failed to initialize session database", "error", err)
		os.Exit(1)
	}
	defer sessions.Close()

	pruneCtx, stopPruning := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		sessions.PruneEvery(pruneCtx, time.Hour)
	}()

	// Initialize archive
	var store archive.Storage
	switch {
	case *archiveBucket != "":
		slog.Info("Initializing S3 archive...", "bucket", *archiveBucket)
		store, err = archive.NewS3Storage(ctx, archive.S3Config{Bucket: *archiveBucket, Region: *archiveRegion})
	case *archiveDir != "":
		slog.Info("Initializing local archive...", "path", *archiveDir)
		store, err = archive.NewLocalStorage(*archiveDir)
	}
	if err != nil {
		slog.Error("Failed to initialize archive", "error", err)
		os.Exit(1)
	}

	server := relay.NewServer(relay.Config{
		LoginID:      *loginID,
		LoginPass:    *loginPass,
		CookieSecure: !*insecureCookie,
		Profile:      profile,
		Payers:       payerList,
		Archive:      store,
	}, sessions, generator, sheets)

	// Start server in goroutine
	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if *insecureCookie {
		slog.Warn("Session cookie is not marked Secure")
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down cleanly", "error", err)
	}

	// the session database closes on return
	stopPruning()
	<-pruneDone
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		slog.Error("Failed to generate session secret", "error", err)
		os.Exit(1)
	}
	return []byte(hex.EncodeToString(b))
}
