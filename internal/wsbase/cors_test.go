package wsbase

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCorsHandlerDecoratesResponses(t *testing.T) {
	called := false
	handler := CorsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "http://localhost/api/chat/anonymous/messages", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected inner handler to be called")
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("status code = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("Cache-Control = %q, want %q", got, "no-store")
	}
}

func TestCorsHandlerPreflight(t *testing.T) {
	tests := []struct {
		name          string
		requestMethod string
		wantInner     bool
		wantStatus    int
	}{
		{name: "preflight", requestMethod: "DELETE", wantInner: false, wantStatus: http.StatusNoContent},
		{name: "plain options", requestMethod: "", wantInner: true, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := CorsHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))
			req := httptest.NewRequest(http.MethodOptions, "http://localhost/api/chat/groups/g1/messages", nil)
			req.Header.Set("Origin", "http://portfolio.example.com")
			if tt.requestMethod != "" {
				req.Header.Set("Access-Control-Request-Method", tt.requestMethod)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if called != tt.wantInner {
				t.Fatalf("inner handler called = %v, want %v", called, tt.wantInner)
			}
			if rec.Code != tt.wantStatus {
				t.Fatalf("status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			if !tt.wantInner {
				if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
					t.Fatalf("Access-Control-Allow-Methods = %q", got)
				}
				if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, Content-Type" {
					t.Fatalf("Access-Control-Allow-Headers = %q", got)
				}
			}
		})
	}
}
