// main.go - The entry point: wiring, HTTP server, event consumer and pending sweep.

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"

	"github.com/reliefline/donation_verifier/configs"
	"github.com/reliefline/donation_verifier/internal/ai"
	"github.com/reliefline/donation_verifier/internal/api"
	"github.com/reliefline/donation_verifier/internal/events"
	"github.com/reliefline/donation_verifier/internal/imagestore"
	"github.com/reliefline/donation_verifier/internal/processor"
	"github.com/reliefline/donation_verifier/internal/ratelimit"
	"github.com/reliefline/donation_verifier/internal/storage"
	"github.com/reliefline/donation_verifier/internal/sweeper"
	"github.com/reliefline/donation_verifier/internal/verification"
)

func main() {
	// Step 0: Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if ginMode := os.Getenv("GIN_MODE"); ginMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Step 1: MongoDB
	mongoClient, err := storage.Connect(ctx, cfg.MongoURI)
	if err != nil {
		log.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer storage.Disconnect(mongoClient)

	store := storage.NewMongoStore(storage.NewDatabaseProvider(mongoClient.Database(cfg.MongoDBName)))
	references := storage.NewReferenceCache(store, cfg.ReferenceCacheTTL())

	// Step 2: Receipt image sources
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}
	images := &imagestore.Router{
		HTTP: imagestore.NewHTTPFetcher(cfg.ImageFetchTimeout(), cfg.MaxImageBytes),
		S3:   imagestore.NewS3Fetcher(s3.NewFromConfig(awsCfg), cfg.MaxImageBytes),
	}

	// Step 3: Gemini
	geminiClient, err := ai.NewGeminiClient(ctx, cfg.GeminiAPIKey)
	if err != nil {
		log.Fatalf("Failed to create Gemini client: %v", err)
	}
	defer geminiClient.Close()

	extractor := ai.NewGeminiExtractor(geminiClient, ai.GeminiOptions{
		ModelName:             cfg.ModelName,
		Limiter:               ratelimit.NewRateLimiter(cfg.GeminiRateLimitTokens, cfg.GeminiRateLimitRefill()),
		Preprocess:            cfg.EnableImagePreprocessing,
		MaxImageDimension:     cfg.MaxImageDimension,
		InputPricePerMillion:  cfg.GeminiInputPricePerMillion,
		OutputPricePerMillion: cfg.GeminiOutputPricePerMillion,
	})

	// Step 4: Matching policy and the pipeline
	aliases, err := configs.LoadBankAliases(cfg.BankAliasesFile)
	if err != nil {
		log.Fatalf("Failed to load bank aliases: %v", err)
	}
	validator := verification.NewValidator(
		processor.NewOrganizationMatcher(cfg.NameSimilarityThreshold),
		processor.NewBankMatcher(aliases),
		cfg.AmountTolerance,
	)
	pipeline := verification.NewPipeline(store, references, images, extractor, validator, cfg.PipelineTimeout())

	// Step 5: Automatic trigger
	if cfg.AMQPURL != "" {
		consumer, err := events.NewConsumer(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("Failed to create RabbitMQ consumer: %v", err)
		}
		defer consumer.Close()

		err = consumer.ConsumeWithBindings(ctx, cfg.DonationExchange, cfg.DonationQueue, cfg.GeminiRateLimitTokens,
			map[string]events.HandlerFunc{
				events.DonationCreatedKey: events.DonationCreatedHandler(pipeline),
			})
		if err != nil {
			log.Fatalf("Failed to consume donation events: %v", err)
		}
	} else {
		log.Println("⚠️  AMQP_URL not set; automatic verification relies on the pending sweep")
	}

	// Step 6: Pending sweep
	if cfg.PendingSweepSchedule != "" && cfg.PendingSweepSchedule != "off" {
		sweep := sweeper.New(cfg.PendingSweepSchedule, cfg.PendingSweepAge(), store, pipeline)
		if err := sweep.Start(); err != nil {
			log.Fatalf("Failed to start pending sweep: %v", err)
		}
		defer func() { <-sweep.Stop().Done() }()
	}

	// Step 7: HTTP server
	router := api.NewRouter(api.NewHandler(pipeline), api.RouterOptions{
		JWTSecret:      []byte(cfg.JWTSecret),
		AllowedOrigins: cfg.AllowedOriginList(),
	})

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   cfg.PipelineTimeout() + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.Port)
		log.Println("API Endpoints:")
		log.Println("  GET  /health")
		log.Println("  POST /api/v1/donations/:id/process")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
