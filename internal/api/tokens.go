package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/omenbackend/omen-market-backend/internal/apperr"
	"github.com/omenbackend/omen-market-backend/internal/domain"
)

// tokenResponse mirrors marketResponse/orderResponse: camelCase json tags,
// *big.Int serialized as a decimal string.
type tokenResponse struct {
	Symbol          string  `json:"symbol"`
	Name            string  `json:"name"`
	Type            string  `json:"type"`
	ContractAddress *string `json:"contractAddress,omitempty"`
	Chain           string  `json:"chain"`
	Decimals        uint8   `json:"decimals"`
	TotalSupply     string  `json:"totalSupply"`
	Active          bool    `json:"active"`
}

func marshalToken(t *domain.Token) tokenResponse {
	supply := "0"
	if t.TotalSupply != nil {
		supply = t.TotalSupply.String()
	}
	return tokenResponse{
		Symbol: t.Symbol, Name: t.Name, Type: string(t.Type),
		ContractAddress: t.ContractAddress, Chain: t.Chain,
		Decimals: t.Decimals, TotalSupply: supply, Active: t.Active,
	}
}

// TokenCatalog is the read side of the token store the catalog/wrap-listing
// routes need; *relational.Store satisfies it alongside TokenLookup.
type TokenCatalog interface {
	ListTokens(ctx context.Context) ([]*domain.Token, error)
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	catalog, ok := s.swapTokens.(TokenCatalog)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "token catalog unavailable"))
		return
	}
	tokens, err := catalog.ListTokens(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		resp = append(resp, marshalToken(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": resp})
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	token, err := s.swapTokens.GetToken(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": marshalToken(token)})
}

// handleTokenWriteNotImplemented stubs token create/update/delete: the token
// catalog is populated exclusively by the deployment job (internal/lifecycle),
// never by a direct client write.
func (s *Server) handleTokenWriteNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, apperr.New(apperr.KindNotImplemented, "token writes are not exposed over the API"))
}

// handleListWrapTransactions lists wrap/unwrap swaps for a user. Wrap and
// unwrap are represented as ordinary SwapRecords (internal/swap) whose
// source or target token is the canonical stable quote token, so this is a
// thin filter over ListSwaps rather than a separate store.
func (s *Server) handleListWrapTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, apperr.New(apperr.KindValidation, "userId query parameter is required"))
		return
	}
	swaps, err := s.swaps.ListSwaps(r.Context(), userID, atoiDefault(r.URL.Query().Get("limit"), 50))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := make([]swapResponse, 0, len(swaps))
	for _, sw := range swaps {
		resp = append(resp, marshalSwap(sw))
	}
	writeJSON(w, http.StatusOK, map[string]any{"wrapTransactions": resp})
}

// handleWrapWriteNotImplemented stubs direct wrap/unwrap submission over this
// endpoint; wrap/unwrap requests are instead routed through POST
// /api/v1/swaps like any other swap.
func (s *Server) handleWrapWriteNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeError(w, apperr.New(apperr.KindNotImplemented, "submit wrap transactions via POST /api/v1/swaps"))
}
