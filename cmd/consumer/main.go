// The consumer applies driver location updates from Kafka to the
// Redis-backed presence registry. It is the single subscriber of the
// driver-locations topic; last-writer-wins lives in the registry.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/inspection-dispatch/internal/models"
	"github.com/example/inspection-dispatch/internal/presence"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	presenceUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_updates_total",
		Help: "Total successful presence updates",
	})
	presenceErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_presence_errors_total",
		Help: "Total presence update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, presenceUpdates, presenceErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "inspection-dispatch-consumer"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}
	freshness := 2 * time.Minute
	if v := os.Getenv("PRESENCE_FRESHNESS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			freshness = d
		}
	}

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	registry := presence.NewRedisRegistryFromClient(rc, geoKey, freshness)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("consumer listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down consumer")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		var u models.LocationUpdate
		if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
			msgsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}
		if u.At.IsZero() {
			u.At = time.Now()
		}

		// apply with retries and small backoff; late samples are
		// discarded inside the registry
		if err := applyWithRetry(ctx, registry, u, 3, 200*time.Millisecond); err != nil {
			presenceErrors.Inc()
			log.Printf("presence update failed for driver=%s: %v", u.DriverID, err)
			continue
		}
		presenceUpdates.Inc()
	}
}

// PresenceUpdater is the small subset of registry operations the
// consumer needs; the seam keeps tests off a live Redis.
type PresenceUpdater interface {
	UpdateLocation(ctx context.Context, driverID string, lat, lng float64, at time.Time) error
}

// applyWithRetry updates the registry with retry/backoff.
func applyWithRetry(ctx context.Context, reg PresenceUpdater, u models.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = reg.UpdateLocation(ctx, u.DriverID, u.Lat, u.Lng, u.At); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
