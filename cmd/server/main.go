package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"stashu/internal/api"
	"stashu/internal/blob"
	"stashu/internal/ecash"
	"stashu/internal/lnurl"
	"stashu/internal/logging"
	"stashu/internal/mint"
	"stashu/internal/payments"
	"stashu/internal/settle"
	"stashu/internal/store"
	"stashu/internal/vault"
)

const (
	// Stale-row policy for the periodic cleanup timer.
	pendingTTL    = 10 * time.Minute
	processingTTL = 10 * time.Minute
	invoiceTTL    = 24 * time.Hour

	cleanupInterval = 5 * time.Minute
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "stashu.db", "SQLite database path")
	blobPath := flag.String("blobs", "./blobs", "blob storage directory (unless S3 is configured)")
	devMode := flag.Bool("dev", false, "development mode: open CORS, no rate limiting")
	corsOrigins := flag.String("cors-origins", "https://stashu.xyz", "comma-separated list of allowed CORS origins")
	flag.Parse()

	st, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	// The vault key is load-bearing: without it custodied tokens sit
	// unencrypted, so a bad key refuses to start rather than degrade.
	v, err := vault.New(os.Getenv("TOKEN_ENCRYPTION_KEY"))
	if err != nil {
		logging.Internal.Fatalf("%v", err)
	}
	if err := v.ProbeAndMigrate(context.Background(), st); err != nil {
		logging.Internal.Fatalf("token vault startup check failed: %v", err)
	}

	var wallet mint.Wallet
	if mintURL := os.Getenv("MINT_URL"); mintURL != "" {
		walletPath := os.Getenv("WALLET_PATH")
		if walletPath == "" {
			walletPath = "./wallet"
		}
		w, err := mint.NewGonutsWallet(walletPath, mintURL)
		if err != nil {
			logging.Internal.Fatalf("failed to load wallet for mint %s: %v", mintURL, err)
		}
		wallet = w
		logging.Internal.Printf("using Cashu mint %s", mintURL)
	} else {
		wallet = mint.NewMockWallet()
		logging.Internal.Println("using mock mint wallet (set MINT_URL for real ecash)")
	}

	ecashSvc := ecash.NewService(wallet, st)
	scheduler := settle.NewScheduler(st, ecashSvc, v, lnurl.NewHTTPResolver())
	paymentsSvc := payments.NewService(st, ecashSvc, v, scheduler.Trigger)

	// Repair anything a crash left behind before accepting traffic.
	reconciler := settle.NewReconciler(st, ecashSvc, paymentsSvc)
	if err := reconciler.Run(context.Background()); err != nil {
		logging.Internal.Fatalf("startup reconciliation failed: %v", err)
	}

	var storage blob.Storage
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		s3, err := blob.NewS3Storage(blob.S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			KeyID:     os.Getenv("S3_KEY_ID"),
			AppKey:    os.Getenv("S3_APP_KEY"),
			Bucket:    bucket,
			Prefix:    os.Getenv("S3_PREFIX"),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		})
		if err != nil {
			logging.Internal.Fatalf("failed to initialize object storage: %v", err)
		}
		storage = s3
		logging.Internal.Printf("using S3 blob storage (bucket: %s)", bucket)
	} else {
		fsStorage, err := blob.NewFSStorage(*blobPath)
		if err != nil {
			logging.Internal.Fatalf("failed to initialize blob storage: %v", err)
		}
		storage = fsStorage
		logging.Internal.Printf("using local blob storage (%s)", *blobPath)
	}
	blobSvc := blob.NewService(storage, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	trustedProxy := os.Getenv("TRUSTED_PROXY") == "1" || os.Getenv("TRUSTED_PROXY") == "true"
	var rateLimiter *api.RateLimiter
	if !*devMode {
		rateLimiter = api.NewRateLimiter(api.NewMemoryWindowStore(0), 60, time.Minute, trustedProxy)
		logging.Internal.Println("rate limiting enabled")
	}

	// Background timers: stale payment cleanup and rate-limit window
	// eviction. Request traffic never blocks on either.
	go func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := st.CleanupStalePayments(ctx, pendingTTL, processingTTL, invoiceTTL)
				if err != nil {
					logging.Internal.Printf("payment cleanup error: %v", err)
				} else if count > 0 {
					logging.Internal.Printf("cleaned up %d stale payment rows", count)
				}
				if rateLimiter != nil {
					rateLimiter.EvictExpired()
				}
			}
		}
	}()

	handler := api.NewHandler(st, paymentsSvc, scheduler, blobSvc, api.NewNostrVerifier())

	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if rateLimiter != nil {
		finalHandler = rateLimiter.Middleware(finalHandler)
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    *addr,
		Handler: finalHandler,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s", *addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
