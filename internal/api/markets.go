package api

import (
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omenbackend/omen-market-backend/internal/apiauth"
	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
	"github.com/omenbackend/omen-market-backend/internal/lifecycle"
	"github.com/omenbackend/omen-market-backend/internal/storage/relational"
)

type marketAssetRequest struct {
	Valuation        string         `json:"valuation"`
	Currency         string         `json:"currency"`
	Description      string         `json:"description"`
	ComplianceDocIDs []string       `json:"complianceDocIds"`
	RegulatoryInfo   map[string]any `json:"regulatoryInfo"`
	Attributes       map[string]any `json:"attributes"`
}

type registerMarketRequest struct {
	Name          string             `json:"name"`
	OwnerID       string             `json:"ownerId"`
	IssuerID      string             `json:"issuerId"`
	AssetCategory string             `json:"assetCategory"`
	TokenSymbol   string             `json:"tokenSymbol"`
	TokenName     string             `json:"tokenName"`
	TotalSupply   string             `json:"totalSupply"`
	Asset         marketAssetRequest `json:"asset"`
}

type marketResponse struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	OwnerID         string         `json:"ownerId"`
	IssuerID        *string        `json:"issuerId,omitempty"`
	AssetCategory   string         `json:"assetCategory"`
	Status          string         `json:"status"`
	TokenSymbol     string         `json:"tokenSymbol"`
	TokenName       string         `json:"tokenName"`
	TotalSupply     string         `json:"totalSupply"`
	ContractAddress *string        `json:"contractAddress,omitempty"`
	DeployTxHash    *string        `json:"deployTxHash,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       string         `json:"createdAt"`
	UpdatedAt       string         `json:"updatedAt"`
}

func marshalMarket(m *domain.Market) marketResponse {
	supply := "0"
	if m.TotalSupply != nil {
		supply = m.TotalSupply.String()
	}
	return marketResponse{
		ID: m.ID, Name: m.Name, OwnerID: m.OwnerID, IssuerID: m.IssuerID,
		AssetCategory: string(m.AssetCategory), Status: string(m.Status),
		TokenSymbol: m.TokenSymbol, TokenName: m.TokenName, TotalSupply: supply,
		ContractAddress: m.ContractAddress, DeployTxHash: m.DeployTxHash,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: m.UpdatedAt.UTC().Format(timeLayout),
	}
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) handleRegisterMarket(w http.ResponseWriter, r *http.Request) {
	var req registerMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	totalSupply, ok := new(big.Int).SetString(req.TotalSupply, 10)
	if !ok {
		writeError(w, apperr.New(apperr.KindValidation, "totalSupply must be a base-10 integer string"))
		return
	}
	valuation, _ := new(big.Int).SetString(req.Asset.Valuation, 10)

	var issuerID *string
	if req.IssuerID != "" {
		issuerID = &req.IssuerID
	}

	market, err := s.lifecycle.RegisterMarket(r.Context(), lifecycle.RegisterMarketInput{
		Name: req.Name, OwnerID: req.OwnerID, IssuerID: issuerID,
		AssetCategory: domain.AssetCategory(req.AssetCategory),
		TokenSymbol:   req.TokenSymbol, TokenName: req.TokenName, TotalSupply: totalSupply,
		Valuation: valuation, Currency: req.Asset.Currency, Description: req.Asset.Description,
		ComplianceDocIDs: req.Asset.ComplianceDocIDs, RegulatoryInfo: req.Asset.RegulatoryInfo,
		Attributes: req.Asset.Attributes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"market": marshalMarket(market)})
}

func (s *Server) handleMarketTransition(action string) http.HandlerFunc {
	target := map[string]domain.MarketStatus{
		"approve":  domain.MarketApproved,
		"activate": domain.MarketActive,
		"pause":    domain.MarketPaused,
		"archive":  domain.MarketArchived,
	}[action]

	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			Reason string `json:"reason"`
		}
		_ = decodeJSON(r, &body)

		principal, _ := apiauth.PrincipalFromContext(r.Context())
		market, err := s.lifecycle.Transition(r.Context(), id, principal.ID, target, body.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"market": marshalMarket(market)})
	}
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.lifecycle.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market": marshalMarket(market)})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := relational.MarketFilter{
		Status:   domain.MarketStatus(q.Get("status")),
		OwnerID:  q.Get("ownerId"),
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("pageSize"), 20),
	}
	if t, ok := parseTime(q.Get("createdAfter")); ok {
		filter.CreatedAfter = &t
	}
	if t, ok := parseTime(q.Get("createdBefore")); ok {
		filter.CreatedBefore = &t
	}

	markets, err := s.lifecycle.ListMarkets(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]marketResponse, len(markets))
	for i, m := range markets {
		out[i] = marshalMarket(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}
