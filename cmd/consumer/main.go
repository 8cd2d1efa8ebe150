// The consumer applies committed transition events to the Redis availability
// cache and fans them out to WebSocket subscribers. It is the asynchronous
// half of the write path: the API commits and publishes, this process keeps
// the derived views in step.
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

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-availability/internal/cache"
	httpapi "github.com/example/driver-availability/internal/http"
	"github.com/example/driver-availability/internal/logging"
	"github.com/example/driver-availability/internal/models"
	"github.com/example/driver-availability/internal/notify"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_consumed_total",
		Help: "Total transition events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_events_invalid_total",
		Help: "Total invalid events received",
	})
	cacheUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_updates_total",
		Help: "Total successful cache updates",
	})
	cacheErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_cache_errors_total",
		Help: "Total cache update errors",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, cacheUpdates, cacheErrors)
}

func main() {
	var wsAddr string
	flag.StringVar(&wsAddr, "ws-addr", ":2112", "address to serve websocket subscriptions and prometheus metrics on")
	flag.Parse()

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	brokers := []string{"localhost:9092"}
	if brokersEnv != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-status-events"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "availability-consumer"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	window := 3 * time.Minute
	if v := os.Getenv("FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}

	logger := logging.NewLogger(os.Getenv("LOG_LEVEL"))
	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	avail := cache.NewRedisCacheWithClient(rc, window)
	registry := notify.NewWSRegistry(logging.ForComponent(logger, "fanout"))

	// websocket subscriptions + metrics + health on one listener
	go func() {
		r := mux.NewRouter()
		r.Handle("/ws/{channel}", httpapi.WSHandler(registry))
		r.Handle("/metrics", promhttp.Handler())
		r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		r.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
			if err := rc.Ping(req.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		log.Printf("ws/metrics listening on %s", wsAddr)
		if err := http.ListenAndServe(wsAddr, r); err != nil {
			log.Printf("ws server stopped: %v", err)
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
		backoff = time.Second

		eventsConsumed.Inc()

		var e models.TransitionEvent
		if err := json.Unmarshal(m.Value, &e); err != nil || e.DriverID == "" {
			eventsInvalid.Inc()
			log.Printf("invalid event: %v", err)
			continue
		}

		if err := applyWithRetry(ctx, avail, e, 3, 200*time.Millisecond); err != nil {
			cacheErrors.Inc()
			log.Printf("cache update failed for driver=%s: %v", e.DriverID, err)
		} else {
			cacheUpdates.Inc()
		}

		// notifications are a hint, never retried; the audit trail is the
		// authoritative history
		registry.Fanout(e)
	}
}

// CacheApplier defines the small subset of cache operations we need for
// tests and production.
type CacheApplier interface {
	ApplyTransition(ctx context.Context, e models.TransitionEvent) error
}

// applyWithRetry applies one event with retry/backoff.
func applyWithRetry(ctx context.Context, c CacheApplier, e models.TransitionEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.ApplyTransition(ctx, e); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
