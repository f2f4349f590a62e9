package main

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/fuel-receipts/internal/receipt"
	"github.com/zombor/fuel-receipts/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// config holds the parsed command-line settings
type config struct {
	port            int
	dbPath          string
	catalogType     string
	authType        string
	authTokens      string
	supabaseURL     string
	supabaseAnonKey string
	supabaseSvcKey  string
	recognizerType  string
	googleCreds     string
	docAILocation   string
	docAIProject    string
	docAIProcessor  string
	extractorType   string
	geminiKey       string
	geminiModel     string
	ollamaURL       string
	ollamaModel     string
	heuristicFill   bool
	maxImageBytes   int
	scanFile        string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("fuel-receipts")
	var (
		port            = fs.IntLong("port", 8080, "HTTP server port")
		dbPath          = fs.StringLong("db", "fuel-receipts.db", "BoltDB fuel-type catalog path")
		catalogType     = fs.StringLong("catalog", "bolt", "Fuel-type catalog: 'bolt' or 'supabase'")
		authType        = fs.StringLong("auth", "none", "Authentication: 'none', 'static' or 'supabase'")
		authTokens      = fs.StringLong("auth-tokens", "", "Static bearer tokens as token:user,token:user")
		supabaseURL     = fs.StringLong("supabase-url", "", "Supabase project URL")
		supabaseAnonKey = fs.StringLong("supabase-anon-key", "", "Supabase anon key (token verification)")
		supabaseSvcKey  = fs.StringLong("supabase-service-key", "", "Supabase service role key (catalog reads)")
		recognizerType  = fs.StringLong("recognizer", "documentai", "Text recognizer: 'documentai' or 'none' (send the image to the extractor)")
		googleCreds     = fs.StringLong("google-credentials", "", "Service account JSON file (or set GOOGLE_SERVICE_ACCOUNT_KEY to the JSON itself)")
		docAILocation   = fs.StringLong("documentai-location", "eu", "Document AI location")
		docAIProject    = fs.StringLong("documentai-project", "", "Document AI project number")
		docAIProcessor  = fs.StringLong("documentai-processor", "", "Document AI OCR processor ID")
		extractorType   = fs.StringLong("extractor", "gemini", "Field extractor: 'gemini', 'ollama' or 'heuristic'")
		geminiKey       = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY / GOOGLE_AI_API_KEY env var)")
		geminiModel     = fs.StringLong("gemini-model", "gemini-2.5-flash-lite", "Google Gemini model name")
		ollamaURL       = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel     = fs.StringLong("ollama-model", "qwen2.5", "Ollama model name (a vision model such as qwen2-vl with --recognizer none)")
		noHeuristicFill = fs.BoolLong("no-heuristic-fill", "Do not fill fields the model left empty with pattern matches")
		maxImageBytes   = fs.IntLong("max-image-bytes", receipt.DefaultMaxImageBytes, "Largest accepted decoded image size")
		logLevel        = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat       = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		scanFile        = fs.StringLong("scan", "", "Extract a single local image, print the result and exit")
		showVersion     = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FUEL_RECEIPTS"),
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

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stdout, config{
		port:            *port,
		dbPath:          *dbPath,
		catalogType:     *catalogType,
		authType:        *authType,
		authTokens:      *authTokens,
		supabaseURL:     *supabaseURL,
		supabaseAnonKey: *supabaseAnonKey,
		supabaseSvcKey:  *supabaseSvcKey,
		recognizerType:  *recognizerType,
		googleCreds:     *googleCreds,
		docAILocation:   *docAILocation,
		docAIProject:    *docAIProject,
		docAIProcessor:  *docAIProcessor,
		extractorType:   *extractorType,
		geminiKey:       *geminiKey,
		geminiModel:     *geminiModel,
		ollamaURL:       *ollamaURL,
		ollamaModel:     *ollamaModel,
		heuristicFill:   !*noHeuristicFill,
		maxImageBytes:   *maxImageBytes,
		scanFile:        *scanFile,
	})
	stop()
	if err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

// run wires the collaborators and serves until ctx is cancelled.
// Every resource it opens is closed before it returns.
func run(ctx context.Context, out io.Writer, cfg config) error {
	// Initialize catalog
	var catalog receipt.Catalog
	var supabase *receipt.Supabase
	if cfg.catalogType == "supabase" || cfg.authType == "supabase" {
		var err error
		supabase, err = receipt.NewSupabase(cfg.supabaseURL, cfg.supabaseAnonKey, cfg.supabaseSvcKey)
		if err != nil {
			return fmt.Errorf("initializing supabase: %w", err)
		}
	}
	switch cfg.catalogType {
	case "bolt":
		slog.Info("Initializing database...", "path", cfg.dbPath)
		db, err := receipt.NewBoltDB(cfg.dbPath)
		if err != nil {
			return fmt.Errorf("initializing database: %w", err)
		}
		defer db.Close()
		catalog = db
	case "supabase":
		slog.Info("Using Supabase fuel-type catalog", "url", cfg.supabaseURL)
		catalog = supabase
	default:
		return fmt.Errorf("invalid catalog type %q, expected bolt or supabase", cfg.catalogType)
	}

	// Initialize authentication; --scan always runs unauthenticated
	var verifier receipt.Verifier
	switch {
	case cfg.scanFile != "" || cfg.authType == "none":
		slog.Warn("Authentication disabled")
	case cfg.authType == "static":
		tokens, err := receipt.ParseStaticTokens(cfg.authTokens)
		if err != nil {
			return fmt.Errorf("parsing auth tokens: %w", err)
		}
		verifier = tokens
	case cfg.authType == "supabase":
		verifier = supabase
	default:
		return fmt.Errorf("invalid auth type %q, expected none, static or supabase", cfg.authType)
	}

	// Initialize recognizer
	var recognizer scanning.Recognizer
	switch cfg.recognizerType {
	case "documentai":
		credentials, err := loadGoogleCredentials(cfg.googleCreds)
		if err != nil {
			return fmt.Errorf("loading google credentials: %w", err)
		}
		slog.Info("Initializing Document AI recognizer...", "location", cfg.docAILocation, "processor", cfg.docAIProcessor)
		docAI, err := scanning.NewDocumentAI(ctx, scanning.DocumentAIConfig{
			ProjectNumber:   cfg.docAIProject,
			Location:        cfg.docAILocation,
			ProcessorID:     cfg.docAIProcessor,
			CredentialsJSON: credentials,
		})
		if err != nil {
			return fmt.Errorf("initializing document ai: %w", err)
		}
		defer docAI.Close()
		recognizer = docAI
	case "none":
		slog.Info("No recognizer, images go straight to the extractor")
	default:
		return fmt.Errorf("invalid recognizer type %q, expected documentai or none", cfg.recognizerType)
	}

	// Initialize extractor
	var completer scanning.Completer
	switch cfg.extractorType {
	case "gemini":
		apiKey := firstNonEmpty(cfg.geminiKey, os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_AI_API_KEY"))
		if apiKey == "" {
			return fmt.Errorf("gemini API key is required, set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", cfg.geminiModel)
		gemini, err := scanning.NewGemini(apiKey, cfg.geminiModel)
		if err != nil {
			return fmt.Errorf("initializing gemini: %w", err)
		}
		completer = gemini
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		ollama, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return fmt.Errorf("initializing ollama: %w", err)
		}
		completer = ollama
	case "heuristic":
		if recognizer == nil {
			return fmt.Errorf("the heuristic extractor needs a recognizer, use --recognizer documentai")
		}
		slog.Info("Using pattern extraction only")
	default:
		return fmt.Errorf("invalid extractor type %q, expected gemini, ollama or heuristic", cfg.extractorType)
	}

	var extractor *scanning.Extractor
	if completer != nil {
		defer completer.Close()
		extractor = scanning.NewExtractor(completer)
	}

	// Initialize service
	service := receipt.NewService(catalog, verifier, recognizer, extractor, receipt.Options{
		MaxImageBytes: cfg.maxImageBytes,
		HeuristicFill: cfg.heuristicFill,
	})

	if cfg.scanFile != "" {
		if err := scan(ctx, service, cfg.scanFile, out); err != nil {
			return fmt.Errorf("scanning %s: %w", cfg.scanFile, err)
		}
		return nil
	}

	// Initialize server
	server := receipt.NewServer(service)
	addr := fmt.Sprintf(":%d", cfg.port)
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "auth", service.AuthRequired())

	if err := server.Start(ctx, addr); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	slog.Info("Shutting down...")
	return nil
}

// scan runs one extraction on a local file and prints the response body
func scan(ctx context.Context, service *receipt.Service, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	result, err := service.Extract(ctx, "", receipt.ExtractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"success":              true,
		"data":                 result,
		"available_fuel_types": result.AvailableFuelTypes,
	})
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return fmt.Errorf("invalid log format %q, expected text or json", format)
	}
	return nil
}

// loadGoogleCredentials reads the service account key from a file or from GOOGLE_SERVICE_ACCOUNT_KEY.
// Nil credentials fall back to Application Default Credentials.
func loadGoogleCredentials(path string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		return data, nil
	}
	if inline := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_KEY")); inline != "" {
		if !json.Valid([]byte(inline)) {
			return nil, fmt.Errorf("GOOGLE_SERVICE_ACCOUNT_KEY is not valid JSON")
		}
		return []byte(inline), nil
	}
	return nil, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
