package api

import (
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/matching"
)

type submitOrderRequest struct {
	UserID        string `json:"userId"`
	PairID        string `json:"tradingPairId"`
	Side          string `json:"side"`
	Kind          string `json:"kind"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	TimeInForce   string `json:"timeInForce"`
	Signature     string `json:"signature"`
	SignerAddress string `json:"signerAddress"`
	Nonce         string `json:"nonce"`
	Expiry        int64  `json:"expiry"`
}

type orderResponse struct {
	ID               string  `json:"id"`
	UserID           string  `json:"userId"`
	PairID           string  `json:"tradingPairId"`
	Side             string  `json:"side"`
	Kind             string  `json:"kind"`
	Status           string  `json:"status"`
	Price            *string `json:"price,omitempty"`
	Quantity         string  `json:"quantity"`
	FilledQuantity   string  `json:"filledQuantity"`
	AverageFillPrice *string `json:"averageFillPrice,omitempty"`
	TimeInForce      string  `json:"timeInForce"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

func marshalOrder(o *domain.Order) orderResponse {
	out := orderResponse{
		ID: o.ID, UserID: o.UserID, PairID: o.PairID,
		Side: string(o.Side), Kind: string(o.Kind), Status: string(o.Status),
		Quantity:       o.Quantity.String(),
		FilledQuantity: o.FilledQuantity.String(),
		TimeInForce:    string(o.TimeInForce),
		CreatedAt:      o.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:      o.UpdatedAt.UTC().Format(timeLayout),
	}
	if o.Price != nil {
		s := o.Price.String()
		out.Price = &s
	}
	if o.AverageFillPrice != nil {
		s := o.AverageFillPrice.String()
		out.AverageFillPrice = &s
	}
	return out
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	quantity, ok := new(big.Int).SetString(req.Quantity, 10)
	if !ok {
		writeError(w, apperr.New(apperr.KindValidation, "quantity must be a base-10 integer string"))
		return
	}
	var price *big.Int
	if req.Price != "" {
		price, ok = new(big.Int).SetString(req.Price, 10)
		if !ok {
			writeError(w, apperr.New(apperr.KindValidation, "price must be a base-10 integer string"))
			return
		}
	}

	order, err := s.matching.SubmitOrder(r.Context(), matching.SubmitOrderInput{
		UserID: req.UserID, PairID: req.PairID,
		Side: domain.OrderSide(req.Side), Kind: domain.OrderKind(req.Kind),
		Price: price, Quantity: quantity, TimeInForce: domain.TimeInForce(req.TimeInForce),
		Signature: req.Signature, SignerAddress: req.SignerAddress,
		Nonce: req.Nonce, Expiry: req.Expiry,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": marshalOrder(order)})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "userId query parameter is required"))
		return
	}
	if err := s.matching.Cancel(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

type bookLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	OrderCount int    `json:"orderCount"`
}

func aggregateLevels(orders []*domain.Order) []bookLevel {
	byPrice := make(map[string]*bookLevel)
	var order []string
	for _, o := range orders {
		if o.Price == nil {
			continue
		}
		key := o.Price.String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &bookLevel{Price: key, Quantity: "0"}
			byPrice[key] = lvl
			order = append(order, key)
		}
		remaining := o.Remaining()
		qty, _ := new(big.Int).SetString(lvl.Quantity, 10)
		qty.Add(qty, remaining)
		lvl.Quantity = qty.String()
		lvl.OrderCount++
	}
	levels := make([]bookLevel, 0, len(order))
	for _, key := range order {
		levels = append(levels, *byPrice[key])
	}
	return levels
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	pairID := chi.URLParam(r, "id")
	limit := atoiDefault(r.URL.Query().Get("depth"), 50)

	bids, err := s.book.Top(r.Context(), pairID, domain.SideBuy, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	asks, err := s.book.Top(r.Context(), pairID, domain.SideSell, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tradingPairId": pairID,
		"bids":          aggregateLevels(bids),
		"asks":          aggregateLevels(asks),
		"lastUpdate":    time.Now().UTC().Format(timeLayout),
	})
}
