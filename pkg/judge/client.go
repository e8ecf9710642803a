// Package judge calls the external judger service.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxResponseBytes = 1 << 20
	maxLogBytes      = 64 << 10
)

var (
	judgeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "judger",
		Name:      "request_duration_seconds",
		Help:      "Duration of judger requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"language"})

	judgeTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "judger",
		Name:      "timeouts_total",
		Help:      "Number of judger requests that hit the judge timeout",
	}, []string{"language"})

	judgeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "judger",
		Name:      "failures_total",
		Help:      "Number of judger requests that failed",
	}, []string{"language"})
)

const resultSchema = `{
	"type": "object",
	"required": ["status", "point"],
	"properties": {
		"status": {"type": "string", "minLength": 1},
		"point": {"type": "number", "minimum": 0},
		"executionTime": {"type": "number"},
		"memoryUsed": {"type": "number"},
		"log": {"type": "string"},
		"details": {"type": "object"}
	}
}`

type wireResult struct {
	Status        string                 `json:"status"`
	Point         float64                `json:"point"`
	ExecutionTime float64                `json:"executionTime"`
	MemoryUsed    float64                `json:"memoryUsed"`
	Log           string                 `json:"log"`
	Details       map[string]interface{} `json:"details"`
}

// Config configures the HTTP judger client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPClient posts submissions to the judger's /judge endpoint.
type HTTPClient struct {
	endpoint  string
	timeout   time.Duration
	http      *http.Client
	schema    *jsonschema.Schema
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	logger    zerolog.Logger
}

// NewHTTPClient builds a judger client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("judger url is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	schema, err := jsonschema.CompileString("judge-result.json", resultSchema)
	if err != nil {
		return nil, fmt.Errorf("compile judger result schema: %w", err)
	}

	return &HTTPClient{
		endpoint:  base + "/judge",
		timeout:   cfg.Timeout,
		http:      client,
		schema:    schema,
		sanitizer: bluemonday.StrictPolicy(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-judge-api/pkg/judge"),
		logger:    cfg.Logger.With().Str("component", "judge_client").Logger(),
	}, nil
}

// Judge sends one request. The judge timeout applies on top of any deadline already on ctx.
// No retry is attempted.
func (c *HTTPClient) Judge(parent context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "judger.judge", trace.WithAttributes(
		attribute.String("judge.language", req.Language),
		attribute.Int64("judge.problem_id", int64(req.Problem.ID)),
	))
	defer span.End()

	start := time.Now()
	result, err := c.do(ctx, req)
	judgeDuration.WithLabelValues(req.Language).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			judgeTimeouts.WithLabelValues(req.Language).Inc()
		} else {
			judgeFailures.WithLabelValues(req.Language).Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn().Err(err).Uint("problem_id", req.Problem.ID).Str("language", req.Language).Msg("judger call failed")
		return Result{}, err
	}

	span.SetAttributes(
		attribute.String("judge.status", result.Status),
		attribute.Int("judge.point", result.Point),
	)
	return result, nil
}

func (c *HTTPClient) do(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode judge request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, classify(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("%w: judger responded %d", ErrUnavailable, resp.StatusCode)
	}

	return c.decode(payload, req.Problem.MaxPoint)
}

func (c *HTTPClient) decode(payload []byte, maxPoint int) (Result, error) {
	var document interface{}
	if err := json.Unmarshal(payload, &document); err != nil {
		return Result{}, fmt.Errorf("%w: invalid judger payload: %v", ErrUnavailable, err)
	}
	if err := c.schema.Validate(document); err != nil {
		return Result{}, fmt.Errorf("%w: judger payload rejected: %v", ErrUnavailable, err)
	}

	var wire wireResult
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Result{}, fmt.Errorf("%w: invalid judger payload: %v", ErrUnavailable, err)
	}

	point := int(math.Round(wire.Point))
	if maxPoint > 0 && point > maxPoint {
		point = maxPoint
	}

	log := truncate(strings.TrimSpace(c.sanitizer.Sanitize(wire.Log)), maxLogBytes)

	return Result{
		Status:          strings.TrimSpace(wire.Status),
		Point:           point,
		ExecutionTimeMs: nonNegative(wire.ExecutionTime),
		MemoryKB:        nonNegative(wire.MemoryUsed),
		Log:             log,
		Details:         wire.Details,
	}, nil
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.ToValidUTF8(s[:cut], "")
}

// classify maps transport errors onto the judger sentinels.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// nonNegative rounds judger measurements; the judger reports -1 when a limit was hit.
func nonNegative(v float64) int64 {
	if v < 0 {
		return 0
	}
	return int64(math.Round(v))
}
