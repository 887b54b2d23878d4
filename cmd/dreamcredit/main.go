// Package main запускает HTTP-сервер сервиса толкования снов.
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

	"github.com/ramelapp/dreamcredit-system/internal/config"
	"github.com/ramelapp/dreamcredit-system/internal/handler"
	"github.com/ramelapp/dreamcredit-system/internal/interpreter"
	"github.com/ramelapp/dreamcredit-system/internal/ledger"
	"github.com/ramelapp/dreamcredit-system/internal/middleware"
	"github.com/ramelapp/dreamcredit-system/internal/payment"
	"github.com/ramelapp/dreamcredit-system/internal/referral"
	"github.com/ramelapp/dreamcredit-system/internal/repository"
	"github.com/ramelapp/dreamcredit-system/internal/service"
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

	interpreterClient := interpreter.NewClient(cfg.InterpreterAddress, cfg.InterpreterAPIKey)

	var paymobClient *payment.PaymobClient
	if cfg.PaymobAPIKey != "" {
		paymobClient = payment.NewPaymobClient(cfg.PaymobBaseURL, cfg.PaymobAPIKey, cfg.PaymobIntegrationID, cfg.PaymobIframeID, cfg.PaymobHMACSecret)
	}

	var paypalClient *payment.PayPalClient
	if cfg.PayPalClientID != "" {
		paypalClient = payment.NewPayPalClient(cfg.PayPalBaseURL, cfg.PayPalClientID, cfg.PayPalClientSecret, cfg.PayPalWebhookID)
	}

	creditLedger := ledger.New(repo)
	referralProcessor := referral.NewProcessor(repo, logger)
	paymentService := payment.NewService(repo, gatewayOrNil(paymobClient), paypalGatewayOrNil(paypalClient), logger)

	svc := service.NewService(repo, creditLedger, referralProcessor, paymentService, interpreterClient)
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

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting dreamcredit server", "addr", cfg.RunAddress)
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

// Типизированные nil-указатели не должны попадать в интерфейсы платёжного
// сервиса: он различает ненастроенного провайдера по nil-интерфейсу.
func gatewayOrNil(c *payment.PaymobClient) payment.PaymobGateway {
	if c == nil {
		return nil
	}
	return c
}

func paypalGatewayOrNil(c *payment.PayPalClient) payment.PayPalGateway {
	if c == nil {
		return nil
	}
	return c
}
