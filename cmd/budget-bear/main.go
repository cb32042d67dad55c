package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/budget-bear/internal/camera"
	"github.com/zombor/budget-bear/internal/capture"
	"github.com/zombor/budget-bear/internal/receipt"
	"github.com/zombor/budget-bear/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// A missing .env file is fine
	_ = godotenv.Load()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := ff.NewFlagSet("budget-bear")
	var (
		port        = fs.IntLong("port", 8080, "HTTP server port")
		dbPath      = fs.StringLong("db", "budget-bear.db", "Database file path")
		storagePath = fs.StringLong("storage", "./captures", "Directory for captured receipt images")
		cameraType  = fs.StringLong("camera", "v4l", "Camera backend: 'v4l' or 'dir'")
		cameraDir   = fs.StringLong("camera-dir", "./samples", "Image directory used by the 'dir' camera")
		width       = fs.IntLong("width", 1920, "Requested capture width (0 keeps the device default)")
		height      = fs.IntLong("height", 1080, "Requested capture height (0 keeps the device default)")
		autostart   = fs.BoolLong("autostart", "Open the camera stream on startup")
		scannerType = fs.StringLong("scanner", "gemini", "Recognizer: 'gemini' or 'ollama'")
		geminiKey   = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL   = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel = fs.StringLong("ollama-model", "llava", "Ollama vision model name")
		language    = fs.StringLong("language", scanning.DefaultLanguage, "Recognition language code")
		authUser    = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass    = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logFormat   = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel    = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_           = fs.StringLong("config", "", "YAML config file (optional)")
		_           = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("BUDGET_BEAR"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(parseYAMLConfig),
		ff.WithConfigAllowMissingFile(),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return fmt.Errorf("parsing flags: %w", err)
	}

	logger, err := newLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Info("Starting budget-bear", "version", version)

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	recognizer, err := newRecognizer(*scannerType, *geminiKey, *geminiModel, *ollamaURL, *ollamaModel)
	if err != nil {
		return err
	}
	defer recognizer.Close()

	var cam capture.Camera
	switch *cameraType {
	case "v4l":
		slog.Info("Using Video4Linux camera", "width", *width, "height", *height)
		cam = camera.NewV4L(*width, *height)
	case "dir":
		slog.Info("Using image directory camera", "path", *cameraDir)
		cam = camera.NewDirectory(*cameraDir)
	default:
		return fmt.Errorf("invalid camera type %q, want v4l or dir", *cameraType)
	}

	service := receipt.NewService(db, store)
	controller := capture.NewController(cam, recognizer, service, capture.Options{Language: *language})

	basicAuth := receipt.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := receipt.NewServer(service, controller, basicAuth)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *autostart {
		if _, err := controller.Start(ctx); err != nil {
			slog.Warn("Camera did not start", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	addr := fmt.Sprintf(":%d", *port)
	g.Go(func() error {
		return server.Run(gctx, addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		return controller.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newRecognizer builds the configured OCR engine client
func newRecognizer(kind, geminiKey, geminiModel, ollamaURL, ollamaModel string) (scanning.Recognizer, error) {
	switch kind {
	case "gemini":
		apiKey := geminiKey
		if apiKey == "" {
			apiKey = envOr("GEMINI_API_KEY", "")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini recognizer...", "model", geminiModel)
		g, err := scanning.NewGemini(apiKey, geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return g, nil
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", ollamaURL, "model", ollamaModel)
		o, err := scanning.NewOllama(ollamaURL, ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q, want gemini or ollama", kind)
	}
}
