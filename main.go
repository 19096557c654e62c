package main

import (
	"context"
	"errors"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"clubhouse/internal/api"
	"clubhouse/internal/auth"
	"clubhouse/internal/config"
	"clubhouse/internal/http"
	"clubhouse/internal/notify"
	"clubhouse/internal/pipeline"
	"clubhouse/internal/presence"
	"clubhouse/internal/room"
	"clubhouse/internal/signals"
	"clubhouse/internal/storage"
	"clubhouse/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	rooms := room.NewRouter(store)

	var pusher pipeline.Pusher
	pushCfg := notify.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Contact:         cfg.PushContact,
	}
	if pushCfg.Enabled() {
		pusher = notify.NewNotifier(pushCfg, store)
	}

	pl := pipeline.New(store, rooms, registry, pusher)
	broadcaster := signals.NewBroadcaster(rooms, registry, store, cfg.TypingExpiry)
	defer broadcaster.Close()

	gateway := ws.NewGateway(registry, rooms, pl, broadcaster, store)
	wsServer := ws.NewServer(authService, gateway)
	apiHandlers := api.New(authService, store)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
