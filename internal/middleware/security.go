package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tutora-provisioning/internal/contextkeys"
)

// SignatureHeader carries the billing processor's signature over the request
// body. Its format is `t=<unix seconds>,v1=<hex hmac>` where the HMAC-SHA256
// is computed over "<t>.<raw body>". The header name and scheme are a
// version-pinned contract with the processor.
const SignatureHeader = "Tutora-Billing-Signature"

// Tolerance is the maximum allowed clock skew between the signature timestamp
// and the server clock. Signatures outside this window are rejected to limit
// replay of captured deliveries.
const Tolerance = 5 * time.Minute

// VerifySignature is a chi middleware that authenticates webhook deliveries.
// Verification fails closed: any missing, malformed, stale or mismatched
// signature rejects the request before it reaches the handler, with no side
// effects. On success the raw body is stashed in the request context so the
// handler processes exactly the bytes that were signed.
func VerifySignature(logger *slog.Logger, secret string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(SignatureHeader)
			if header == "" {
				logger.Warn("Missing signature header", "header", SignatureHeader)
				http.Error(w, "Missing signature header", http.StatusForbidden)
				return
			}

			ts, signature, err := parseSignatureHeader(header)
			if err != nil {
				logger.Warn("Malformed signature header", "error", err)
				http.Error(w, "Malformed signature header", http.StatusForbidden)
				return
			}

			if skew := time.Since(ts); skew > Tolerance || skew < -Tolerance {
				logger.Warn("Signature timestamp outside tolerance", "timestamp", ts)
				http.Error(w, "Signature timestamp outside tolerance", http.StatusForbidden)
				return
			}

			bodyBytes, err := io.ReadAll(r.Body)
			if err != nil {
				logger.Error("Failed to read request body", "error", err)
				http.Error(w, "Cannot read request body", http.StatusInternalServerError)
				return
			}
			r.Body.Close()

			// Restore the body so the next handler can read it.
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

			expected := ComputeSignature(secret, ts, bodyBytes)

			// Compare in constant time to prevent timing attacks.
			if !hmac.Equal([]byte(signature), []byte(expected)) {
				logger.Warn("Invalid signature received")
				http.Error(w, "Invalid signature", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), contextkeys.VerifiedBodyKey, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ComputeSignature returns the hex HMAC-SHA256 of "<unix ts>.<body>" under
// the shared signing secret.
func ComputeSignature(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>" into its parts.
func parseSignatureHeader(header string) (time.Time, string, error) {
	var ts time.Time
	var signature string

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			return time.Time{}, "", fmt.Errorf("element %q is not key=value", part)
		}
		switch key {
		case "t":
			unix, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, "", fmt.Errorf("invalid timestamp %q", value)
			}
			ts = time.Unix(unix, 0)
		case "v1":
			signature = value
		}
	}

	if ts.IsZero() || signature == "" {
		return time.Time{}, "", fmt.Errorf("header missing t or v1 element")
	}
	return ts, signature, nil
}
