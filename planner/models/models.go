// Package models holds the shapes exchanged between the router, the builder
// and the serving surface.
package models

import (
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/steps"
)

// RouteQuote is the router's output: the chosen ordered step list plus the
// aggregate amounts. BuyAmount and MinBuyAmount are taken from the last step;
// the USD totals exist for display only.
type RouteQuote struct {
	SellAsset *assets.Asset
	BuyAsset  *assets.Asset

	SellAmount   assets.Amount
	BuyAmount    assets.Amount
	MinBuyAmount assets.Amount

	Steps []steps.Step

	USDIn  decimal.Decimal
	USDOut decimal.Decimal
}

// RouteRequest is the JSON shape of a route query.
type RouteRequest struct {
	SellSymbol  string `json:"sellSymbol"`
	BuySymbol   string `json:"buySymbol"`
	Amount      string `json:"amount"`
	SlippagePct string `json:"slippagePct"`
	// LPRouteOverrides forces a pool's add-liquidity leg through a specific
	// reserve symbol, keyed by pool-share symbol.
	LPRouteOverrides map[string]string `json:"lpRouteOverrides,omitempty"`
	// ExcludedSources are aggregator liquidity sources to skip.
	ExcludedSources []string `json:"excludedSources,omitempty"`
}

// RouteStep is the JSON rendering of one quoted leg.
type RouteStep struct {
	Kind            string `json:"kind"`
	SellSymbol      string `json:"sellSymbol"`
	BuySymbol       string `json:"buySymbol"`
	SellAmount      string `json:"sellAmount"`
	BuyAmount       string `json:"buyAmount"`
	MinBuyAmount    string `json:"minBuyAmount"`
	SlippagePct     string `json:"slippagePct"`
	AllowanceTarget string `json:"allowanceTarget,omitempty"`
	Pool            string `json:"pool,omitempty"`
}

// RouteResponse is the JSON shape of a route result.
type RouteResponse struct {
	Success      bool        `json:"success"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	SellSymbol   string      `json:"sellSymbol,omitempty"`
	BuySymbol    string      `json:"buySymbol,omitempty"`
	SellAmount   string      `json:"sellAmount,omitempty"`
	BuyAmount    string      `json:"buyAmount,omitempty"`
	MinBuyAmount string      `json:"minBuyAmount,omitempty"`
	USDIn        string      `json:"usdIn,omitempty"`
	USDOut       string      `json:"usdOut,omitempty"`
	Steps        []RouteStep `json:"steps,omitempty"`
}

// BuildRequest lowers a previously quoted route into a submittable plan. The
// route is re-quoted server-side from the request parameters; quotes are never
// cached across calls.
type BuildRequest struct {
	Route         RouteRequest `json:"route"`
	SourceCustody string       `json:"sourceCustody"`
	DestCustody   string       `json:"destCustody"`
	Caller        string       `json:"caller"`
	Recipient     string       `json:"recipient"`
}

// PlannedCall is the JSON rendering of one low-level call.
type PlannedCall struct {
	Target  string `json:"target"`
	Payload string `json:"payload"`
	Value   string `json:"value,omitempty"`
	Refs    []Ref  `json:"refs,omitempty"`
}

// Ref is the JSON rendering of a slot reference.
type Ref struct {
	Position     int `json:"position"`
	ReturnOffset int `json:"returnOffset"`
	PasteOffset  int `json:"pasteOffset"`
}

// BuildResponse carries the finished plan, both as the individual calls and
// as the single encoded outer call.
type BuildResponse struct {
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
	Calls        []PlannedCall `json:"calls,omitempty"`
	Encoded      *PlannedCall  `json:"encoded,omitempty"`
}
