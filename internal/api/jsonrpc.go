package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/steemit/reelfeed/pkg/logging"
	"github.com/steemit/reelfeed/pkg/telemetry"
)

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC error
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MethodHandler is a function that handles a JSON-RPC method
type MethodHandler func(ctx *gin.Context, params json.RawMessage) (interface{}, error)

// JSONRPCHandler dispatches JSON-RPC requests to registered methods.
type JSONRPCHandler struct {
	methods  map[string]MethodHandler
	logger   *zap.Logger
	calls    otelmetric.Int64Counter
	duration otelmetric.Float64Histogram
}

func NewJSONRPCHandler() *JSONRPCHandler {
	h := &JSONRPCHandler{
		methods: make(map[string]MethodHandler),
		logger:  logging.WithComponent("jsonrpc"),
	}
	h.calls, h.duration = newRPCInstruments(telemetry.Meter("api"), h.logger)
	return h
}

// newRPCInstruments creates the call instruments. An instrument the meter
// rejects is logged and replaced by a no-op so Handle never records on nil.
func newRPCInstruments(meter otelmetric.Meter, logger *zap.Logger) (otelmetric.Int64Counter, otelmetric.Float64Histogram) {
	calls, err := meter.Int64Counter("reelfeed.rpc.calls",
		otelmetric.WithDescription("JSON-RPC calls by method and result code"))
	if err != nil || calls == nil {
		logger.Warn("Failed to create counter", zap.Error(err))
		calls = metricnoop.Int64Counter{}
	}
	duration, err := meter.Float64Histogram("reelfeed.rpc.duration",
		otelmetric.WithDescription("JSON-RPC method latency"), otelmetric.WithUnit("s"))
	if err != nil || duration == nil {
		logger.Warn("Failed to create histogram", zap.Error(err))
		duration = metricnoop.Float64Histogram{}
	}
	return calls, duration
}

// RegisterMethod registers a method handler
func (h *JSONRPCHandler) RegisterMethod(method string, handler MethodHandler) {
	h.methods[method] = handler
}

// Has reports whether a method is registered.
func (h *JSONRPCHandler) Has(method string) bool {
	_, ok := h.methods[method]
	return ok
}

// Handle serves one JSON-RPC request. Every outcome, including protocol
// errors, is answered with HTTP 200 and a JSON-RPC envelope.
func (h *JSONRPCHandler) Handle(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), "jsonrpc.handle")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	resp := JSONRPCResponse{JSONRPC: "2.0"}
	var req JSONRPCRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		resp.Error = h.failure(ErrParseError, "Parse error", err)
		c.JSON(http.StatusOK, resp)
		return
	}
	resp.ID = req.ID
	span.SetAttributes(attribute.String("rpc.method", req.Method))

	start := time.Now()
	resp.Result, resp.Error = h.dispatch(c, &req)

	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	attrs := otelmetric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.Int("code", code),
	)
	h.calls.Add(ctx, 1, attrs)
	h.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	c.JSON(http.StatusOK, resp)
}

func (h *JSONRPCHandler) dispatch(c *gin.Context, req *JSONRPCRequest) (interface{}, *JSONRPCError) {
	if req.JSONRPC != "2.0" {
		return nil, h.failure(ErrInvalidRequest, "Invalid Request", fmt.Errorf("invalid jsonrpc version %q", req.JSONRPC))
	}
	handler, ok := h.methods[req.Method]
	if !ok {
		return nil, h.failure(ErrMethodNotFound, "Method not found", fmt.Errorf("method %s not found", req.Method))
	}
	result, err := handler(c, req.Params)
	if err != nil {
		code, message := classify(err)
		return nil, h.failure(code, message, err)
	}
	return result, nil
}

// failure builds the error object and logs it. Only server errors are
// logged above debug.
func (h *JSONRPCHandler) failure(code int, message string, err error) *JSONRPCError {
	if code == ErrServerError {
		h.logger.Error("JSON-RPC error", zap.String("message", message), zap.Error(err))
	} else {
		h.logger.Debug("JSON-RPC request rejected", zap.Int("code", code), zap.Error(err))
	}
	return &JSONRPCError{Code: code, Message: message, Data: err.Error()}
}

// bindParams decodes named params into dst. Unknown fields are rejected.
func bindParams(params json.RawMessage, dst interface{}) error {
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidParams(err)
	}
	return nil
}

// Standard JSON-RPC error codes
const (
	ErrParseError     = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternalError  = -32603

	ErrServerError     = -32000
	ErrSessionNotFound = -32001
)
