// Package jsonrpcserver allows exposing functions like:
// func Foo(context, int) (int, error)
// as a JSON RPC methods
//
// Requests may be signed by a solana key: the `x-opex-signature` header carries
// `<base58 pubkey>:<base58 ed25519 signature of the request body>`.
package jsonrpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/opexlabs/opex-node/metrics"
	"go.uber.org/zap"
)

var (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeCustomError    = -32000
)

const (
	maxOriginIDLength   = 255
	maxRequestBodyBytes = 4 * 1024 * 1024

	SignatureHeader = "x-opex-signature"
	OriginHeader    = "x-opex-origin"
	PriorityHeader  = "high_prio"
)

var ErrInvalidSignatureHeader = errors.New("invalid x-opex-signature header")

type (
	highPriorityKey struct{}
	signerKey       struct{}
	originKey       struct{}
)

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type JSONRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      any              `json:"id"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError    `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *any   `json:"data,omitempty"`
}

// CodedError lets a method choose the JSON-RPC error code of its failure.
type CodedError interface {
	error
	ErrorCode() int
}

type Handler struct {
	log     *zap.Logger
	methods map[string]methodHandler
}

type Methods map[string]interface{}

// NewHandler creates JSONRPC http.Handler from the map that maps method names to method functions
// each method function must:
// - have context as a first argument
// - return error as a last argument
// - have argument types that can be unmarshalled from JSON
// - have return types that can be marshalled to JSON
func NewHandler(log *zap.Logger, methods Methods) (*Handler, error) {
	m := make(map[string]methodHandler)
	for name, fn := range methods {
		method, err := getMethodTypes(fn)
		if err != nil {
			return nil, err
		}
		m[name] = method
	}
	return &Handler{
		log:     log,
		methods: m,
	}, nil
}

func writeJSONRPCError(w http.ResponseWriter, id any, code int, msg string) {
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  nil,
		Error: &JSONRPCError{
			Code:    code,
			Message: msg,
			Data:    nil,
		},
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes+1))
	if err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}
	if len(body) > maxRequestBodyBytes {
		writeJSONRPCError(w, nil, CodeInvalidRequest, "request body is too large")
		return
	}

	// read request
	var req JSONRPCRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		writeJSONRPCError(w, nil, CodeParseError, err.Error())
		return
	}

	if req.JSONRPC != "2.0" {
		writeJSONRPCError(w, req.ID, CodeParseError, "invalid jsonrpc version")
		return
	}
	if req.ID != nil {
		// id must be string or number
		switch req.ID.(type) {
		case string, float64:
		default:
			writeJSONRPCError(w, req.ID, CodeParseError, "invalid id type")
			return
		}
	}

	highPriority := r.Header.Get(PriorityHeader) == "true"
	ctx := context.WithValue(r.Context(), highPriorityKey{}, highPriority)

	if header := r.Header.Get(SignatureHeader); header != "" {
		signer, err := verifySignature(header, body)
		if err != nil {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, err.Error())
			return
		}
		ctx = context.WithValue(ctx, signerKey{}, signer)
	}

	origin := r.Header.Get(OriginHeader)
	if origin != "" {
		if len(origin) > maxOriginIDLength {
			writeJSONRPCError(w, req.ID, CodeInvalidRequest, "x-opex-origin header is too long")
			return
		}
		ctx = context.WithValue(ctx, originKey{}, origin)
	}

	// get method
	method, ok := h.methods[req.Method]
	if !ok {
		writeJSONRPCError(w, req.ID, CodeMethodNotFound, "method not found")
		return
	}

	// call method
	startAt := time.Now()
	result, err := method.call(ctx, req.Params)
	metrics.RecordRPCCallDuration(req.Method, time.Since(startAt).Milliseconds())
	if err != nil {
		metrics.IncRPCCallFailure(req.Method)
		code := CodeCustomError
		var coded CodedError
		if errors.As(err, &coded) {
			code = coded.ErrorCode()
		}
		if h.log != nil {
			h.log.Debug("JSON-RPC method failed", zap.String("method", req.Method), zap.Int("code", code), zap.Error(err))
		}
		writeJSONRPCError(w, req.ID, code, err.Error())
		return
	}

	marshaledResult, err := json.Marshal(result)
	if err != nil {
		writeJSONRPCError(w, req.ID, CodeInternalError, err.Error())
		return
	}

	// write response
	rawMessageResult := json.RawMessage(marshaledResult)
	res := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  &rawMessageResult,
		Error:   nil,
	}
	if err := json.NewEncoder(w).Encode(res); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}

func verifySignature(header string, body []byte) (solana.PublicKey, error) {
	pubkeyStr, sigStr, found := strings.Cut(header, ":")
	if !found {
		return solana.PublicKey{}, ErrInvalidSignatureHeader
	}
	pubkey, err := solana.PublicKeyFromBase58(pubkeyStr)
	if err != nil {
		return solana.PublicKey{}, errors.Join(ErrInvalidSignatureHeader, err)
	}
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return solana.PublicKey{}, errors.Join(ErrInvalidSignatureHeader, err)
	}
	if !sig.Verify(pubkey, body) {
		return solana.PublicKey{}, ErrInvalidSignatureHeader
	}
	return pubkey, nil
}

func GetPriority(ctx context.Context) bool {
	value, ok := ctx.Value(highPriorityKey{}).(bool)
	if !ok {
		return false
	}
	return value
}

// GetSigner returns the verified request signer, ok is false for unsigned requests.
func GetSigner(ctx context.Context) (solana.PublicKey, bool) {
	value, ok := ctx.Value(signerKey{}).(solana.PublicKey)
	return value, ok
}

func GetOrigin(ctx context.Context) string {
	value, ok := ctx.Value(originKey{}).(string)
	if !ok {
		return ""
	}
	return value
}
