package rpc

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// FuzzServeRPC feeds arbitrary bodies through request decoding and
// dispatch. Every body must get a well-formed JSON reply.
func FuzzServeRPC(f *testing.F) {
	f.Add(`{"jsonrpc":"2.0","method":"echo","params":null,"id":1}`)
	f.Add(`{"jsonrpc":"2.0","method":"echo","params":{"height":3},"id":"x"}`)
	f.Add(`[{"jsonrpc":"2.0","method":"echo","id":1},{"jsonrpc":"1.0","method":"nope","id":2}]`)
	f.Add(`[]`)
	f.Add(`{}`)
	f.Add(`null`)
	f.Add(` [`)

	s := &Server{methods: map[string]handler{
		"echo": func(params json.RawMessage) (any, *Error) {
			var h HeightParam
			if err := decodeParams(params, &h); err != nil {
				return nil, err
			}
			return h, nil
		},
	}}

	f.Fuzz(func(t *testing.T, body string) {
		rec := httptest.NewRecorder()
		s.serveRPC(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if !json.Valid(rec.Body.Bytes()) {
			t.Fatalf("reply is not JSON: %q", rec.Body.String())
		}
	})
}

// FuzzDecodeParams checks that bad params always map to CodeInvalidParams.
func FuzzDecodeParams(f *testing.F) {
	f.Add([]byte(`{"hash":"00"}`))
	f.Add([]byte(`{"height":-1}`))
	f.Add([]byte(`{"context":{"header":"abcd","nonce":1},"proof":{"algo":9}}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		var sol SubmitSolutionParam
		if err := decodeParams(data, &sol); err != nil && err.Code != CodeInvalidParams {
			t.Fatalf("code = %d, want CodeInvalidParams", err.Code)
		}
		var h HeightParam
		if err := decodeParams(data, &h); err != nil && err.Code != CodeInvalidParams {
			t.Fatalf("code = %d, want CodeInvalidParams", err.Code)
		}
	})
}
