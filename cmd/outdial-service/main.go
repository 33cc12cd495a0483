package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/outdial/outdial/internal/carrier"
	"github.com/outdial/outdial/internal/config"
	"github.com/outdial/outdial/internal/engine"
	"github.com/outdial/outdial/internal/firehose"
	"github.com/outdial/outdial/internal/ingest"
	"github.com/outdial/outdial/internal/relay"
	"github.com/outdial/outdial/internal/store"
	"github.com/outdial/outdial/internal/strategy"
	"github.com/outdial/outdial/internal/stream"
	"github.com/outdial/outdial/internal/webhook"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancelPing()
		log.Fatalf("ping postgres: %v", err)
	}
	cancelPing()
	log.Println("connected to postgres")

	st := store.NewPGStore(db)
	if err := st.EnsureSchema(); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	carrierClient, err := carrier.NewClient(carrier.ClientConfig{
		APIURL:    cfg.CarrierAPIURL,
		AccountID: cfg.CarrierAccountID,
		AuthToken: cfg.CarrierAuthToken,
	})
	if err != nil {
		log.Fatalf("carrier client: %v", err)
	}

	strategies := []strategy.Strategy{strategy.NewNative(cfg.Native)}
	if cfg.HuggingFace.Enabled && cfg.HuggingFaceURL != "" {
		strategies = append(strategies, strategy.NewHuggingFace(cfg.HuggingFaceURL, cfg.HuggingFace))
	}
	if cfg.Gemini.Enabled && cfg.GeminiURL != "" {
		strategies = append(strategies, strategy.NewGemini(cfg.GeminiURL, cfg.Gemini))
	}
	registry := strategy.NewRegistry(strategies...)
	log.Printf("strategies registered: %v", registry.Names())

	hub := stream.NewHub()
	bridges := relay.NewRegistry()

	eng := engine.New(st, registry, carrierClient, hub, engine.Config{
		PublicBaseURL:    cfg.PublicBaseURL,
		HoldMessage:      cfg.HoldMessage,
		VoicemailMessage: cfg.VoicemailMessage,
		ApologyMessage:   cfg.ApologyMessage,
		PollPauseSeconds: int(cfg.PollPause / time.Second),
		PollCeiling:      cfg.PollCeiling,
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := ingest.New(st, registry, carrierClient, eng, 64)
	pipeline.Start(rootCtx, 4)

	// Firehose requires Kafka and S3 to both be configured; without them the
	// audit trail stays in Postgres only.
	if len(cfg.KafkaBrokers) > 0 && cfg.S3Bucket != "" {
		producer, err := firehose.NewKafkaProducer(firehose.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		archiver, err := firehose.NewS3Archiver(rootCtx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver: %v", err)
		}
		streamer := firehose.NewStreamer(st, producer, archiver, firehose.StreamerConfig{})
		go func() {
			if err := streamer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[firehose] exited with error: %v", err)
			}
		}()
		log.Printf("firehose started (topic=%s bucket=%s)", cfg.KafkaTopic, cfg.S3Bucket)
	} else {
		log.Println("firehose not started: OUTDIAL_KAFKA_BROKERS and OUTDIAL_S3_BUCKET must be set to enable")
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: webhook.New(cfg, eng, pipeline, hub, bridges, st).Router(),
	}

	go func() {
		log.Printf("listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-rootCtx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	pipeline.Wait()
	if err := db.Close(); err != nil {
		log.Printf("close postgres: %v", err)
	}
	log.Println("stopped")
}
