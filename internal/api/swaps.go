package api

import (
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/swap"
)

type requestSwapRequest struct {
	UserID             string `json:"userId"`
	SourceToken        string `json:"sourceToken"`
	TargetToken        string `json:"targetToken"`
	SourceChain        string `json:"sourceChain"`
	TargetChain        string `json:"targetChain"`
	SourceAmount       string `json:"sourceAmount"`
	DestinationAddress string `json:"destinationAddress"`
	BridgeContract     string `json:"bridgeContract"`
}

type quoteSwapRequest struct {
	SourceToken  string `json:"sourceToken"`
	TargetToken  string `json:"targetToken"`
	SourceAmount string `json:"sourceAmount"`
}

type swapResponse struct {
	ID                   string  `json:"id"`
	UserID               string  `json:"userId"`
	SourceToken          string  `json:"sourceToken"`
	TargetToken          string  `json:"targetToken"`
	SourceChain          string  `json:"sourceChain"`
	TargetChain          string  `json:"targetChain"`
	SourceAmount         string  `json:"sourceAmount"`
	ExpectedTargetAmount string  `json:"expectedTargetAmount"`
	DestinationAddress   string  `json:"destinationAddress"`
	Status               string  `json:"status"`
	BridgeSwapID         *string `json:"bridgeSwapId,omitempty"`
	SourceTxHash         *string `json:"sourceTxHash,omitempty"`
	TargetTxHash         *string `json:"targetTxHash,omitempty"`
	FailureReason        *string `json:"failureReason,omitempty"`
	CreatedAt            string  `json:"createdAt"`
	UpdatedAt            string  `json:"updatedAt"`
}

func marshalSwap(sw *domain.SwapRecord) swapResponse {
	return swapResponse{
		ID: sw.ID, UserID: sw.UserID, SourceToken: sw.SourceToken, TargetToken: sw.TargetToken,
		SourceChain: sw.SourceChain, TargetChain: sw.TargetChain,
		SourceAmount:         sw.SourceAmount.String(),
		ExpectedTargetAmount: sw.ExpectedTargetAmount.String(),
		DestinationAddress:   sw.DestinationAddress,
		Status:               string(sw.Status),
		BridgeSwapID:         sw.BridgeSwapID,
		SourceTxHash:         sw.SourceTxHash,
		TargetTxHash:         sw.TargetTxHash,
		FailureReason:        sw.FailureReason,
		CreatedAt:            sw.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:            sw.UpdatedAt.UTC().Format(timeLayout),
	}
}

func (s *Server) handleRequestSwap(w http.ResponseWriter, r *http.Request) {
	var req requestSwapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.SourceAmount, 10)
	if !ok {
		writeError(w, apperr.New(apperr.KindValidation, "sourceAmount must be a base-10 integer string"))
		return
	}

	sw, err := s.swaps.RequestSwap(r.Context(), swap.RequestSwapInput{
		UserID: req.UserID, SourceToken: req.SourceToken, TargetToken: req.TargetToken,
		SourceChain: req.SourceChain, TargetChain: req.TargetChain, SourceAmount: amount,
		DestinationAddress: req.DestinationAddress, BridgeContract: req.BridgeContract,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"swap": marshalSwap(sw)})
}

func (s *Server) handleQuoteSwap(w http.ResponseWriter, r *http.Request) {
	var req quoteSwapRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, ok := new(big.Int).SetString(req.SourceAmount, 10)
	if !ok {
		writeError(w, apperr.New(apperr.KindValidation, "sourceAmount must be a base-10 integer string"))
		return
	}

	source, err := s.swapTokens.GetToken(r.Context(), req.SourceToken)
	if err != nil {
		writeError(w, err)
		return
	}
	target, err := s.swapTokens.GetToken(r.Context(), req.TargetToken)
	if err != nil {
		writeError(w, err)
		return
	}

	quote, err := swap.Quote(source, target, amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"platformFee":          quote.PlatformFee.String(),
		"bridgeFee":            quote.BridgeFee.String(),
		"networkFee":           quote.NetworkFee.String(),
		"totalFee":             quote.TotalFee.String(),
		"rate":                 quote.Rate.FloatString(6),
		"expectedTargetAmount": quote.ExpectedTargetAmount.String(),
		"expiresAt":            quote.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, err := s.swaps.GetSwap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swap": marshalSwap(sw)})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "userId query parameter is required"))
		return
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 50)

	swaps, err := s.swaps.ListSwaps(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]swapResponse, len(swaps))
	for i, sw := range swaps {
		out[i] = marshalSwap(sw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": out})
}
