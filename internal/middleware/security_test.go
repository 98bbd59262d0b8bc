package middleware

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"io"
	"log/slog"

	"tutora-provisioning/internal/contextkeys"
)

// TestVerifySignature uses a table-driven approach to test the middleware.
func TestVerifySignature(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil)) // Suppress logs during tests.
	const testPayload = `{"id":"evt_test","type":"checkout.session.completed"}`
	const secret = "test-secret"
	now := time.Now()

	testCases := []struct {
		name               string
		signatureHeader    string
		expectedStatusCode int
		expectBodyInCtx    bool
	}{
		{
			name:               "Success - Valid Signature",
			signatureHeader:    signedHeader(secret, now, testPayload),
			expectedStatusCode: http.StatusOK,
			expectBodyInCtx:    true,
		},
		{
			name:               "Failure - Invalid Signature",
			signatureHeader:    fmt.Sprintf("t=%d,v1=deadbeef", now.Unix()),
			expectedStatusCode: http.StatusForbidden,
			expectBodyInCtx:    false,
		},
		{
			name:               "Failure - Missing Signature Header",
			signatureHeader:    "",
			expectedStatusCode: http.StatusForbidden,
			expectBodyInCtx:    false,
		},
		{
			name:               "Failure - Malformed Header",
			signatureHeader:    "not-a-signature",
			expectedStatusCode: http.StatusForbidden,
			expectBodyInCtx:    false,
		},
		{
			name:               "Failure - Stale Timestamp",
			signatureHeader:    signedHeader(secret, now.Add(-10*time.Minute), testPayload),
			expectedStatusCode: http.StatusForbidden,
			expectBodyInCtx:    false,
		},
		{
			name:               "Failure - Signed With Wrong Secret",
			signatureHeader:    signedHeader("other-secret", now, testPayload),
			expectedStatusCode: http.StatusForbidden,
			expectBodyInCtx:    false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Dummy next handler that checks whether the verified body made
			// it into the context.
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.expectBodyInCtx {
					bodyFromCtx, ok := r.Context().Value(contextkeys.VerifiedBodyKey).([]byte)
					if !ok || string(bodyFromCtx) != testPayload {
						t.Errorf("request body not found or incorrect in context")
						w.WriteHeader(http.StatusInternalServerError)
						return
					}
				}
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/webhooks/billing", bytes.NewBufferString(testPayload))
			if tc.signatureHeader != "" {
				req.Header.Set(SignatureHeader, tc.signatureHeader)
			}
			rr := httptest.NewRecorder()

			handlerToTest := VerifySignature(logger, secret)(nextHandler)
			handlerToTest.ServeHTTP(rr, req)

			if status := rr.Code; status != tc.expectedStatusCode {
				t.Errorf("handler returned wrong status code: got %v want %v", status, tc.expectedStatusCode)
			}
		})
	}
}

// signedHeader builds a valid signature header for the payload at the given
// timestamp.
func signedHeader(secret string, ts time.Time, payload string) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), ComputeSignature(secret, ts, []byte(payload)))
}
