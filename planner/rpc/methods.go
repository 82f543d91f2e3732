package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/driftline-labs/trade-engine/planner/assets"
	"github.com/driftline-labs/trade-engine/planner/builder"
	"github.com/driftline-labs/trade-engine/planner/models"
	"github.com/driftline-labs/trade-engine/planner/router"
	"github.com/driftline-labs/trade-engine/planner/steps"
	"github.com/driftline-labs/trade-engine/planner/txplan"
)

// PlannerServer implements the JSON route and build endpoints over the
// router and the builder.
type PlannerServer struct {
	registry *assets.Registry
	router   *router.Router
	builder  *builder.Builder
}

// NewPlannerServer creates the handler set.
func NewPlannerServer(registry *assets.Registry, rt *router.Router, b *builder.Builder) *PlannerServer {
	return &PlannerServer{registry: registry, router: rt, builder: b}
}

// parsedRoute is a validated RouteRequest.
type parsedRoute struct {
	sell     *assets.Asset
	buy      *assets.Asset
	amount   assets.Amount
	slippage decimal.Decimal
	opts     router.Options
}

func (s *PlannerServer) parseRouteRequest(req models.RouteRequest) (*parsedRoute, error) {
	sell, ok := s.registry.BySymbol(req.SellSymbol)
	if !ok {
		return nil, fmt.Errorf("unknown sell asset %q", req.SellSymbol)
	}
	buy, ok := s.registry.BySymbol(req.BuySymbol)
	if !ok {
		return nil, fmt.Errorf("unknown buy asset %q", req.BuySymbol)
	}
	amount, err := assets.ParseAmount(sell, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount: %w", err)
	}
	slippage := decimal.Zero
	if req.SlippagePct != "" {
		slippage, err = decimal.NewFromString(req.SlippagePct)
		if err != nil {
			return nil, fmt.Errorf("bad slippagePct: %w", err)
		}
	}

	opts := router.Options{ExcludedSources: req.ExcludedSources}
	if len(req.LPRouteOverrides) > 0 {
		opts.LPRouteOverrides = make(map[*assets.Asset]*assets.Asset, len(req.LPRouteOverrides))
		for shareSym, reserveSym := range req.LPRouteOverrides {
			share, ok := s.registry.BySymbol(shareSym)
			if !ok {
				return nil, fmt.Errorf("unknown pool-share asset %q in lpRouteOverrides", shareSym)
			}
			reserve, ok := s.registry.BySymbol(reserveSym)
			if !ok {
				return nil, fmt.Errorf("unknown reserve asset %q in lpRouteOverrides", reserveSym)
			}
			opts.LPRouteOverrides[share] = reserve
		}
	}

	return &parsedRoute{sell: sell, buy: buy, amount: amount, slippage: slippage, opts: opts}, nil
}

// handleRoute serves POST /v1/route.
func (s *PlannerServer) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req models.RouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.RouteResponse{
			ErrorMessage: "invalid request body: " + err.Error(),
		})
		return
	}

	parsed, err := s.parseRouteRequest(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.RouteResponse{ErrorMessage: err.Error()})
		return
	}

	quote, err := s.router.Route(r.Context(), parsed.sell, parsed.buy, parsed.amount, parsed.slippage, parsed.opts)
	if err != nil {
		writeJSON(w, routeErrorStatus(err), models.RouteResponse{ErrorMessage: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, quoteToResponse(quote))
}

// handleBuild serves POST /v1/build. The route is quoted fresh from the
// embedded request; quotes never survive between calls.
func (s *PlannerServer) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req models.BuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.BuildResponse{
			ErrorMessage: "invalid request body: " + err.Error(),
		})
		return
	}

	src, err := builder.ParseSourceCustody(req.SourceCustody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.BuildResponse{ErrorMessage: err.Error()})
		return
	}
	dst, err := builder.ParseDestCustody(req.DestCustody)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.BuildResponse{ErrorMessage: err.Error()})
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeJSON(w, http.StatusBadRequest, models.BuildResponse{ErrorMessage: fmt.Sprintf("invalid caller address %q", req.Caller)})
		return
	}
	caller := common.HexToAddress(req.Caller)
	recipient := caller
	if req.Recipient != "" {
		if !common.IsHexAddress(req.Recipient) {
			writeJSON(w, http.StatusBadRequest, models.BuildResponse{ErrorMessage: fmt.Sprintf("invalid recipient address %q", req.Recipient)})
			return
		}
		recipient = common.HexToAddress(req.Recipient)
	}

	parsed, err := s.parseRouteRequest(req.Route)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.BuildResponse{ErrorMessage: err.Error()})
		return
	}
	parsed.opts.Taker = caller

	quote, err := s.router.Route(r.Context(), parsed.sell, parsed.buy, parsed.amount, parsed.slippage, parsed.opts)
	if err != nil {
		writeJSON(w, routeErrorStatus(err), models.BuildResponse{ErrorMessage: err.Error()})
		return
	}

	plan, err := s.builder.Build(quote, src, dst, caller, recipient)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, models.BuildResponse{ErrorMessage: err.Error()})
		return
	}

	encoded, err := plan.Encode(s.builder.Executor())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, models.BuildResponse{ErrorMessage: err.Error()})
		return
	}

	resp := models.BuildResponse{Success: true}
	for _, c := range plan.Calls() {
		resp.Calls = append(resp.Calls, callToJSON(c))
	}
	enc := callToJSON(encoded)
	resp.Encoded = &enc
	writeJSON(w, http.StatusOK, resp)
}

func routeErrorStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrNoRoute):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNativeIdentity),
		errors.Is(err, steps.ErrNonPositiveAmount),
		errors.Is(err, steps.ErrSlippageRange),
		errors.Is(err, steps.ErrSameAsset),
		errors.Is(err, steps.ErrAssetClass):
		return http.StatusBadRequest
	default:
		// Everything else is a quoting backend failure.
		return http.StatusBadGateway
	}
}

func quoteToResponse(q *models.RouteQuote) models.RouteResponse {
	resp := models.RouteResponse{
		Success:      true,
		SellSymbol:   q.SellAsset.Symbol,
		BuySymbol:    q.BuyAsset.Symbol,
		SellAmount:   q.SellAmount.Value.String(),
		BuyAmount:    q.BuyAmount.Value.String(),
		MinBuyAmount: q.MinBuyAmount.Value.String(),
		USDIn:        q.USDIn.String(),
		USDOut:       q.USDOut.String(),
	}
	for _, s := range q.Steps {
		step := models.RouteStep{
			Kind:         s.Kind.String(),
			SellSymbol:   s.Sell.Symbol,
			BuySymbol:    s.Buy.Symbol,
			SellAmount:   s.SellAmount.Value.String(),
			BuyAmount:    s.BuyAmount.Value.String(),
			MinBuyAmount: s.MinBuyAmount.Value.String(),
			SlippagePct:  s.Slippage.String(),
		}
		if s.AllowanceTarget != (common.Address{}) {
			step.AllowanceTarget = s.AllowanceTarget.Hex()
		}
		if s.Pool != nil {
			step.Pool = s.Pool.Address.Hex()
		}
		resp.Steps = append(resp.Steps, step)
	}
	return resp
}

func callToJSON(c txplan.Call) models.PlannedCall {
	out := models.PlannedCall{
		Target:  c.Target.Hex(),
		Payload: hexutil.Encode(c.Payload),
	}
	if c.Value != nil {
		out.Value = c.Value.String()
	}
	for _, ref := range c.Refs {
		out.Refs = append(out.Refs, models.Ref{
			Position:     ref.Position,
			ReturnOffset: ref.ReturnOffset,
			PasteOffset:  ref.PasteOffset,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger.Error().Err(err).Msg("Failed to write response")
	}
}
