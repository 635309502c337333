package jsonrpcserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type codedError struct{}

func (codedError) Error() string  { return "slow down" }
func (codedError) ErrorCode() int { return -32097 }

func TestHandler_ServeHTTP(t *testing.T) {
	var (
		errorArg = -1
		codedArg = -2
		errorOut = errors.New("custom error") //nolint:goerr113
	)
	handlerMethod := func(ctx context.Context, arg1 int) (dummyStruct, error) {
		switch arg1 {
		case errorArg:
			return dummyStruct{}, errorOut
		case codedArg:
			return dummyStruct{}, codedError{}
		}
		return dummyStruct{arg1}, nil
	}
	structMethod := func(ctx context.Context, arg dummyStruct) (int, error) {
		return arg.Field * 2, nil
	}

	handler, err := NewHandler(zap.NewNop(), map[string]interface{}{
		"function": handlerMethod,
		"struct":   structMethod,
	})
	require.NoError(t, err)

	testCases := map[string]struct {
		requestBody      string
		expectedResponse string
	}{
		"success": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"result":{"field":1}}`,
		},
		"object params": {
			requestBody:      `{"jsonrpc":"2.0","id":"a","method":"struct","params":{"field":4}}`,
			expectedResponse: `{"jsonrpc":"2.0","id":"a","result":8}`,
		},
		"error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"custom error"}}`,
		},
		"coded error": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[-2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32097,"message":"slow down"}}`,
		},
		"invalid json": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1]`,
			expectedResponse: `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"unexpected EOF"}}`,
		},
		"invalid id": {
			requestBody:      `{"jsonrpc":"2.0","id":[1],"method":"function","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":[1],"error":{"code":-32700,"message":"invalid id type"}}`,
		},
		"method not found": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"not_found","params":[1]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`,
		},
		"invalid params": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":[1,2]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"too much arguments"}}`,
		},
		"invalid params type": {
			requestBody:      `{"jsonrpc":"2.0","id":1,"method":"function","params":["1"]}`,
			expectedResponse: `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"json: cannot unmarshal string into Go value of type int"}}`,
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			body := bytes.NewReader([]byte(testCase.requestBody))
			request, err := http.NewRequest(http.MethodPost, "/", body)
			require.NoError(t, err)

			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, request)
			require.Equal(t, http.StatusOK, rr.Code)

			require.JSONEq(t, testCase.expectedResponse, rr.Body.String())
		})
	}
}

func TestHandler_Headers(t *testing.T) {
	type seen struct {
		priority bool
		origin   string
		signer   solana.PublicKey
		signed   bool
	}
	var got seen
	handler, err := NewHandler(zap.NewNop(), Methods{
		"inspect": func(ctx context.Context) (bool, error) {
			got.priority = GetPriority(ctx)
			got.origin = GetOrigin(ctx)
			got.signer, got.signed = GetSigner(ctx)
			return true, nil
		},
	})
	require.NoError(t, err)

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	other, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	requestBody := []byte(`{"jsonrpc":"2.0","id":1,"method":"inspect","params":[]}`)
	sig, err := key.Sign(requestBody)
	require.NoError(t, err)

	do := func(headers map[string]string) string {
		got = seen{}
		request, err := http.NewRequest(http.MethodPost, "/", bytes.NewReader(requestBody))
		require.NoError(t, err)
		for k, v := range headers {
			request.Header.Set(k, v)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, request)
		return rr.Body.String()
	}

	t.Run("signed high priority request", func(t *testing.T) {
		res := do(map[string]string{
			SignatureHeader: key.PublicKey().String() + ":" + sig.String(),
			PriorityHeader:  "true",
			OriginHeader:    "searcher-1",
		})
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":true}`, res)
		require.Equal(t, seen{priority: true, origin: "searcher-1", signer: key.PublicKey(), signed: true}, got)
	})

	t.Run("unsigned request", func(t *testing.T) {
		res := do(nil)
		require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":true}`, res)
		require.False(t, got.signed)
		require.False(t, got.priority)
	})

	t.Run("signature from another key", func(t *testing.T) {
		res := do(map[string]string{SignatureHeader: other.PublicKey().String() + ":" + sig.String()})
		require.Contains(t, res, "invalid x-opex-signature header")
	})

	t.Run("malformed signature header", func(t *testing.T) {
		res := do(map[string]string{SignatureHeader: "nonsense"})
		require.Contains(t, res, "invalid x-opex-signature header")
	})

	t.Run("origin too long", func(t *testing.T) {
		res := do(map[string]string{OriginHeader: strings.Repeat("a", maxOriginIDLength+1)})
		require.Contains(t, res, "x-opex-origin header is too long")
	})
}
