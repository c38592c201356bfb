package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/manenim/ratelimit/pkg/ratelimit"
)

// plans maps subscription tiers to limiter configurations. Limiters are built
// once here and passed by reference; there is no module-level singleton.
func plans(client redis.UniversalClient, recorder ratelimit.MetricsRecorder) (map[string]*ratelimit.Limiter, error) {
	cache := ratelimit.NewCache()

	free, err := ratelimit.New(client, ratelimit.SlidingWindow(10, time.Minute),
		ratelimit.WithPrefix("demo:free"),
		ratelimit.WithEphemeralCache(cache),
		ratelimit.WithTimeout(time.Second),
		ratelimit.WithAnalytics(),
		ratelimit.WithDenyListProtection(),
		ratelimit.WithRecorder(recorder),
	)
	if err != nil {
		return nil, err
	}

	pro, err := ratelimit.New(client, ratelimit.TokenBucket(100, time.Minute, 200),
		ratelimit.WithPrefix("demo:pro"),
		ratelimit.WithEphemeralCache(cache),
		ratelimit.WithTimeout(time.Second),
		ratelimit.WithAnalytics(),
		ratelimit.WithRecorder(recorder),
	)
	if err != nil {
		return nil, err
	}

	return map[string]*ratelimit.Limiter{"free": free, "pro": pro}, nil
}

func main() {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	registry := prometheus.NewRegistry()
	limiters, err := plans(client, ratelimit.NewPrometheusRecorder(registry))
	if err != nil {
		log.Fatal(err)
	}

	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	http.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		plan := r.Header.Get("X-Plan")
		limiter, ok := limiters[plan]
		if !ok {
			limiter = limiters["free"]
		}

		res, err := limiter.Limit(r.Context(), r.RemoteAddr,
			ratelimit.WithIP(r.RemoteAddr),
			ratelimit.WithUserAgent(r.UserAgent()),
		)
		if err != nil {
			log.Printf("limiter error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprint(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(res.Remaining))
		if !res.Success {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", time.Until(res.Reset).Seconds()))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limit exceeded\n"))
			return
		}

		w.Write([]byte("Pong!\n"))
	})

	log.Printf("Server listening on :8080 (Redis: %s)", redisAddr)
	http.ListenAndServe(":8080", nil)
}
