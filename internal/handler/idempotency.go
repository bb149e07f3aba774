package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/logger"
	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

const (
	// IdempotencyKeyHeader carries the client's retry key.
	IdempotencyKeyHeader = "X-Idempotency-Key"
	idempotencyKeyPrefix = "idempotency:"
)

type idempotencyStatus string

const (
	statusProcessing idempotencyStatus = "processing"
	statusCompleted  idempotencyStatus = "completed"
)

// idempotencyRecord is the Redis value stored per key.
type idempotencyRecord struct {
	Status       idempotencyStatus `json:"status"`
	RequestHash  string            `json:"request_hash"`
	ResponseCode int               `json:"response_code"`
	ResponseBody string            `json:"response_body"`
	CreatedAt    time.Time         `json:"created_at"`
}

// RedisClient is the subset of go-redis used for idempotency records.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// IdempotencyConfig configures the idempotency middleware.
type IdempotencyConfig struct {
	Redis RedisClient
	// TTL keeps completed responses for replay.
	TTL time.Duration
	// ProcessingTTL bounds how long an in-flight claim blocks a retry.
	ProcessingTTL time.Duration
	Logger        *zap.Logger
}

// Idempotency replays the stored response for a repeated X-Idempotency-Key,
// so a client retrying a registration after a timeout does not create a
// second one. Requests without the header pass through. Redis failures fail
// open. Server errors are not stored so the client can retry them.
func Idempotency(cfg IdempotencyConfig) func(http.Handler) http.Handler {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.ProcessingTTL <= 0 {
		cfg.ProcessingTTL = time.Minute
	}
	log := logger.OrNop(cfg.Logger)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" || r.Method == http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			redisKey := idempotencyKeyPrefix + key
			hash := requestHash(r, body)

			existing, err := getRecord(ctx, cfg.Redis, redisKey)
			if err != nil && !errors.Is(err, redis.Nil) {
				log.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if existing == nil {
				record := &idempotencyRecord{Status: statusProcessing, RequestHash: hash, CreatedAt: time.Now().UTC()}
				claimed, err := claimRecord(ctx, cfg.Redis, redisKey, record, cfg.ProcessingTTL)
				if err != nil {
					log.Warn("idempotency claim failed", zap.String("key", key), zap.Error(err))
					next.ServeHTTP(w, r)
					return
				}
				if claimed {
					serveAndStore(next, w, r, cfg, log, redisKey, record)
					return
				}
				// Lost the claim to a concurrent request with the same key.
				if existing, err = getRecord(ctx, cfg.Redis, redisKey); err != nil {
					replayConflict(w)
					return
				}
			}

			if existing.RequestHash != hash {
				writeJSON(w, http.StatusUnprocessableEntity, model.ErrorResponse{
					Error: "idempotency key already used with a different request",
					Code:  "IDEMPOTENCY_KEY_REUSED",
				})
				return
			}
			if existing.Status == statusProcessing {
				replayConflict(w)
				return
			}

			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replayed", "true")
			w.WriteHeader(existing.ResponseCode)
			_, _ = io.WriteString(w, existing.ResponseBody)
		})
	}
}

func serveAndStore(next http.Handler, w http.ResponseWriter, r *http.Request, cfg IdempotencyConfig, log *zap.Logger, redisKey string, record *idempotencyRecord) {
	rec := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(rec, r)

	// The request may have been cancelled; the record must still be written.
	ctx := context.WithoutCancel(r.Context())
	if rec.status >= http.StatusInternalServerError {
		if err := cfg.Redis.Del(ctx, redisKey).Err(); err != nil {
			log.Warn("idempotency release failed", zap.String("key", redisKey), zap.Error(err))
		}
		return
	}

	record.Status = statusCompleted
	record.ResponseCode = rec.status
	record.ResponseBody = rec.body.String()
	data, err := json.Marshal(record)
	if err == nil {
		err = cfg.Redis.Set(ctx, redisKey, string(data), cfg.TTL).Err()
	}
	if err != nil {
		log.Warn("idempotency store failed", zap.String("key", redisKey), zap.Error(err))
	}
}

func replayConflict(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeJSON(w, http.StatusConflict, model.ErrorResponse{
		Error: "a request with this idempotency key is already being processed",
		Code:  "REQUEST_IN_PROGRESS",
	})
}

func requestHash(r *http.Request, body []byte) string {
	h := sha256.New()
	h.Write([]byte(r.Method))
	h.Write([]byte(r.URL.Path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func getRecord(ctx context.Context, rc RedisClient, key string) (*idempotencyRecord, error) {
	raw, err := rc.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func claimRecord(ctx context.Context, rc RedisClient, key string, record *idempotencyRecord, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	return rc.SetNX(ctx, key, string(data), ttl).Result()
}

// capturingWriter copies the response so it can be replayed.
type capturingWriter struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (w *capturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
