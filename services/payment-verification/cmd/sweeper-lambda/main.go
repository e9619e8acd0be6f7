// services/payment-verification/cmd/sweeper-lambda/main.go
// Scheduled retention sweep for EventBridge
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/app"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/config"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/jobs"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/logger"
)

type Handler struct {
	app *app.App
	log *zap.Logger
}

// HandleRequest runs the sweep named by SWEEP_KIND, or both sweeps.
func (h *Handler) HandleRequest(ctx context.Context, event events.CloudWatchEvent) (jobs.Report, error) {
	kind := jobs.KindAll
	if env := os.Getenv("SWEEP_KIND"); env != "" {
		parsed, err := jobs.ParseKind(env)
		if err != nil {
			return jobs.Report{}, err
		}
		kind = parsed
	}

	h.log.Info("scheduled sweep",
		zap.String("event_id", event.ID),
		zap.String("source", event.Source),
		zap.Time("scheduled_at", event.Time),
		zap.String("kind", string(kind)))
	return h.app.Sweeper.RunOnce(ctx, kind), nil
}

func main() {
	cfg, err := config.Load("")
	if err != nil {
		panic(err)
	}
	log := logger.NewLogger(cfg.Service + "-sweeper")
	defer log.Sync()

	// Connections are reused across warm invocations
	a, err := app.New(context.Background(), cfg, log)
	if err != nil {
		log.Fatal("failed to initialize application", zap.Error(err))
	}

	h := &Handler{app: a, log: log}
	lambda.Start(h.HandleRequest)
}
