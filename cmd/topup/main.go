// Package main запускает HTTP-сервер сервиса игровых пополнений.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/topup-system/internal/catalog"
	"github.com/mmeshcher/topup-system/internal/config"
	"github.com/mmeshcher/topup-system/internal/fulfillment"
	"github.com/mmeshcher/topup-system/internal/gateway"
	"github.com/mmeshcher/topup-system/internal/handler"
	"github.com/mmeshcher/topup-system/internal/middleware"
	"github.com/mmeshcher/topup-system/internal/pricing"
	"github.com/mmeshcher/topup-system/internal/repository"
	"github.com/mmeshcher/topup-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	gatewayClient := gateway.NewClient(cfg.GatewayAddress, cfg.GatewayMerchant, cfg.GatewayAPIKey)
	fulfillmentClient := fulfillment.NewClient(cfg.FulfillmentAddress, cfg.FulfillmentAPIKey)

	var catalogClient *catalog.Client
	if cfg.CatalogAddress != "" {
		catalogClient = catalog.NewClient(cfg.CatalogAddress)
	}

	resolver := pricing.NewResolver(catalogClient, repo)

	svc := service.NewService(repo, resolver, gatewayClient, fulfillmentClient, cfg.BaseURL+"/invoice")
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фонового процесса доведения заказов до терминальных статусов
	g.Go(func() error {
		svc.StartSettlementSweeper(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting topup server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
