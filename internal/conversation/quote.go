package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/core"
	"github.com/atelierhq/atelier/internal/stream"
)

// QuoteName is the quote-request capability.
const QuoteName = "quote"

// QuoteStore records quote requests.
type QuoteStore interface {
	SaveQuoteRequest(ctx context.Context, q core.QuoteRequest) (core.QuoteRequest, error)
}

// Quote captures a request for a quote so a person can follow up.
type Quote struct {
	Store QuoteStore
}

// Tool implements Capability.
func (q *Quote) Tool() driver.Tool {
	return driver.Tool{
		Name:        QuoteName,
		Description: "Submit a quote request once the user has confirmed their name, a contact method and what they want quoted.",
		Parameters: objectSchema([]string{"name", "contact", "details"}, map[string]any{
			"name":    stringProperty("Customer name"),
			"contact": stringProperty("Email address or phone number"),
			"details": stringProperty("Summary of the work to quote"),
		}),
	}
}

// Invoke implements Capability.
func (q *Quote) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if q.Store == nil {
		return nil, errors.New("quote store is not configured")
	}
	req := core.QuoteRequest{CallerKey: call.CallerKey, SessionID: call.SessionID}
	var err error
	if req.Name, err = call.Require("name"); err != nil {
		return nil, err
	}
	if req.Contact, err = call.Require("contact"); err != nil {
		return nil, err
	}
	if req.Details, err = call.Require("details"); err != nil {
		return nil, err
	}

	saved, err := q.Store.SaveQuoteRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("save quote request: %w", err)
	}
	return map[string]any{"status": stream.StatusSuccess, "requestId": saved.ID}, nil
}
