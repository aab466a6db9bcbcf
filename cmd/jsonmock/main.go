// Command jsonmock serves a JSON document over HTTP. GET and HEAD requests are answered with the
// document, POST requests with a JSON body are echoed back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	json "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sofie-web/sofie"
	"github.com/sofie-web/sofie/http"
	"github.com/sofie-web/sofie/http/method"
	"github.com/sofie-web/sofie/http/mime"
	"github.com/sofie-web/sofie/http/status"
	"github.com/sofie-web/sofie/settings"
)

var defaultDocument = map[string]any{
	"message": "Hello from sofie",
	"items":   []int{1, 2, 3},
}

type options struct {
	config   string
	document string
	port     uint16
	logLevel string
	dev      bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "jsonmock",
		Short:        "Serve a JSON document over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.config, "config", "c", "", "settings file (yaml, json or toml)")
	flags.StringVarP(&opts.document, "document", "d", "", "JSON file to serve instead of the built-in one")
	flags.Uint16VarP(&opts.port, "port", "p", 0, "port to listen on, overrides the settings")
	flags.StringVar(&opts.logLevel, "log-level", "info", "minimal log level")
	flags.BoolVar(&opts.dev, "dev", false, "human-friendly logs")

	return cmd
}

func run(cmd *cobra.Command, opts options) error {
	log, err := newLogger(opts.logLevel, opts.dev)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	s, err := settings.Load(opts.config)
	if err != nil {
		log.Error("failed to load settings", zap.Error(err))
		return err
	}

	if cmd.Flags().Changed("port") {
		s.Port = opts.port
	}

	document, err := loadDocument(opts.document)
	if err != nil {
		log.Error("failed to load document", zap.Error(err))
		return err
	}

	app := sofie.New(s).
		Logger(log).
		NotifyOnStart(func() {
			log.Info("jsonmock is ready", zap.String("addr", s.Addr()))
		})

	if err = app.Serve(cmd.Context(), newHandler(document)); err != nil {
		log.Error("server failed", zap.Error(err))
		return err
	}

	return nil
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl

	return cfg.Build()
}

// loadDocument reads the document from the file, making sure it's a valid JSON. An empty path
// stands for the built-in document.
func loadDocument(path string) ([]byte, error) {
	if len(path) == 0 {
		return json.Marshal(defaultDocument)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !json.Valid(data) {
		return nil, fmt.Errorf("%s: not a valid JSON document", path)
	}

	return data, nil
}

func newHandler(document []byte) http.Handler {
	return func(_ context.Context, request *http.Request) (http.Response, error) {
		switch request.Method {
		case method.GET, method.HEAD:
			return http.Respond().ContentType(mime.JSON).Bytes(document), nil
		case method.POST:
			var payload any
			if err := request.Body.JSON(&payload); err != nil {
				if status.CodeOf(err) != status.InternalServerError {
					return http.Response{}, err
				}

				return http.Respond().Code(status.BadRequest).String(err.Error()), nil
			}

			return http.Respond().JSON(payload), nil
		default:
			return http.Respond().
				Code(status.MethodNotAllowed).
				Header("Allow", "GET, HEAD, POST").
				Empty(), nil
		}
	}
}
