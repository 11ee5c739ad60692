// Package gin provides Gin-compatible middleware for x402 payment gating.
// This package is a thin adapter that translates gin.Context to stdlib http patterns
// and delegates all payment validation and settlement logic to the http package's Gate.
package gin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	paygate "github.com/nacorid/x402-paygate"
	x402http "github.com/nacorid/x402-paygate/http"
	"github.com/nacorid/x402-paygate/http/internal/helpers"
)

// PaymentContextKey is the gin context key for storing the settled payment record.
const PaymentContextKey = "x402_payment"

// NewX402Middleware creates an x402 payment middleware for Gin backed by gate.
// The resource id of a request is its route pattern (c.FullPath()), falling
// back to the URL path for unmatched routes.
//
// The middleware:
//   - Returns 402 Payment Required with the route's requirement if X-PAYMENT is missing
//   - Returns 402 with a reason if the payment is malformed, invalid or replayed
//   - Returns 502 if settlement fails or times out
//   - Stores the settled record in Gin context via c.Set("x402_payment", record)
//   - Calls c.Next() only after settlement succeeded
//
// Example usage:
//
//	registry := paygate.NewRegistry()
//	registry.MustRegister("/weather", paygate.NewUSDCRequirement(
//	    paygate.BaseSepolia, "/weather", "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0", "10000", 300))
//	gate := x402http.NewGate(registry, replay.NewGuard(replay.NewMemoryStore()),
//	    x402http.NewFacilitatorClient("https://x402.org/facilitator", paygate.DefaultTimeouts))
//	r := gin.Default()
//	r.Use(gin.NewX402Middleware(gate))
//	r.GET("/weather", func(c *gin.Context) {
//	    record := gin.GetSettlementFromContext(c)
//	    c.JSON(200, gin.H{"transaction": record.Transaction})
//	})
func NewX402Middleware(gate *x402http.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := gate.Logger()

		id := x402http.RequestIDFor(c.GetHeader(x402http.RequestIDHeader))
		ctx := x402http.WithRequestID(c.Request.Context(), id)

		resourceID := c.FullPath()
		if resourceID == "" {
			resourceID = c.Request.URL.Path
		}

		paymentHeader := c.GetHeader(paygate.PaymentHeader)
		if paymentHeader == "" {
			logger.Info("no payment header provided", "path", c.Request.URL.Path, "request_id", id)
		}

		outcome := gate.Process(ctx, resourceID, paymentHeader)
		if !outcome.Admitted() {
			abort(c, outcome)
			return
		}

		if err := helpers.AddPaymentResponseHeader(c.Writer, outcome.Record); err != nil {
			logger.Warn("failed to add payment response header", "error", err, "request_id", id)
		}

		// Store the record in Gin context for handler access
		c.Set(PaymentContextKey, outcome.Record)

		// Also store in stdlib context for compatibility with http package helpers
		ctx = context.WithValue(ctx, x402http.PaymentContextKey, outcome.Record)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// abort writes the rejection for outcome using Gin's JSON methods and stops the chain.
func abort(c *gin.Context, outcome x402http.Outcome) {
	switch outcome.Status {
	case http.StatusPaymentRequired:
		if outcome.Reason == "" && helpers.WantsHTML(c.Request) {
			if err := helpers.SendPaywall(c.Writer, outcome.Requirement); err != nil {
				_ = c.Error(err)
			}
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusPaymentRequired, paygate.PaymentRequired{
			X402Version: paygate.X402Version,
			Error:       outcome.Message(),
			Reason:      outcome.Reason,
			Accepts:     []paygate.PaymentRequirement{outcome.Requirement},
		})
	case http.StatusBadGateway:
		c.AbortWithStatusJSON(http.StatusBadGateway, helpers.SettlementError{
			X402Version: paygate.X402Version,
			Error:       outcome.Message(),
			Reason:      outcome.Reason,
		})
	default:
		c.AbortWithStatusJSON(outcome.Status, gin.H{
			"x402Version": paygate.X402Version,
			"error":       http.StatusText(outcome.Status),
			"reason":      outcome.Reason,
		})
	}
}

// GetSettlementFromContext extracts the settled payment record from the Gin context.
// Returns nil if the request was not gated or the context does not contain one.
func GetSettlementFromContext(c *gin.Context) *paygate.SettlementRecord {
	value, exists := c.Get(PaymentContextKey)
	if !exists {
		return nil
	}
	record, ok := value.(*paygate.SettlementRecord)
	if !ok {
		return nil
	}
	return record
}
