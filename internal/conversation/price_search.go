package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/atelierhq/atelier/internal/ailink/content"
	"github.com/atelierhq/atelier/internal/ailink/driver"
	"github.com/atelierhq/atelier/internal/stream"
)

// PriceSearchName is the price estimate capability.
const PriceSearchName = "price_search"

const priceSearchInstructions = "You estimate typical retail prices. Answer with a short price range " +
	"and one sentence on what drives the cost. Do not ask questions."

// PriceSearch asks the model for a price summary of an item.
type PriceSearch struct {
	Chat  driver.ChatDriver
	Model string
}

// Tool implements Capability.
func (p *PriceSearch) Tool() driver.Tool {
	return driver.Tool{
		Name:        PriceSearchName,
		Description: "Look up typical prices for a piece of furniture, fixture or material.",
		Parameters: objectSchema([]string{"query"}, map[string]any{
			"query":  stringProperty("What to price, including size and material"),
			"region": stringProperty("Optional market or country"),
		}),
	}
}

// Invoke implements Capability.
func (p *PriceSearch) Invoke(ctx context.Context, call Call) (map[string]any, error) {
	if p.Chat == nil {
		return nil, errors.New("price search is not configured")
	}
	query, err := call.Require("query")
	if err != nil {
		return nil, err
	}
	if region := call.String("region"); region != "" {
		query += " (market: " + region + ")"
	}

	s, err := p.Chat.Stream(ctx, &driver.Request{
		Model: p.Model,
		Messages: []content.Message{
			content.Text("system", priceSearchInstructions),
			content.Text("user", query),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("price search: %w", err)
	}
	defer s.Close() // nolint:errcheck // best-effort cleanup

	var text strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("price search: %w", err)
		}
		text.WriteString(chunk.TextDelta)
	}

	summary := strings.TrimSpace(text.String())
	if summary == "" {
		return nil, errors.New("price search returned no answer")
	}
	return map[string]any{"status": stream.StatusSuccess, "text": summary, "query": query}, nil
}
