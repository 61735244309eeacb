package httpx

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sundayezeilo/shorty/internal/errx"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		want        credentials
		errContains string
	}{
		{
			name: "valid object",
			body: `{"username":"ada","password":"correct horse","remember":true}`,
			want: credentials{Username: "ada", Password: "correct horse", Remember: true},
		},
		{name: "empty body", body: "", errContains: "request body is empty"},
		{name: "missing quote", body: `{"username":"ada,"password":"x"}`, errContains: "malformed JSON"},
		{name: "trailing comma", body: `{"username":"ada",}`, errContains: "malformed JSON"},
		{name: "truncated", body: `{"username":"ada"`, errContains: "malformed JSON"},
		{name: "unknown field", body: `{"username":"ada","user_id":1}`, errContains: "unknown field"},
		{name: "wrong type", body: `{"username":"ada","remember":"yes"}`, errContains: `invalid value for field "remember"`},
		{name: "two objects", body: `{"username":"a"}{"username":"b"}`, errContains: "multiple JSON objects"},
		{name: "trailing garbage", body: `{"username":"a"}extra`, errContains: "multiple JSON objects"},
		{
			name:        "body too large",
			body:        `{"username":"` + strings.Repeat("x", MaxRequestBodySize+1) + `"}`,
			errContains: "request body too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(tt.body))

			got, err := DecodeJSON[credentials](req)

			if tt.errContains != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errContains)
				}
				if kind := errx.KindOf(err); kind != errx.Invalid {
					t.Errorf("kind = %v, want Invalid", kind)
				}
				if got != (credentials{}) {
					t.Errorf("expected zero value on error, got %+v", got)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("DecodeJSON() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDecodeJSON_ClosesBody(t *testing.T) {
	body := &trackingBody{Reader: strings.NewReader(`{"username":"ada"}`)}
	req := httptest.NewRequest(http.MethodPost, "/api/login", body)

	if _, err := DecodeJSON[credentials](req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !body.closed {
		t.Error("expected body to be closed")
	}
}

type trackingBody struct {
	io.Reader
	closed bool
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}
