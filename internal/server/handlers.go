package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"escrowpay/internal/apierror"
	"escrowpay/internal/chains"
	"escrowpay/internal/escrow"
	"escrowpay/internal/events"
	"escrowpay/internal/intent"
	"escrowpay/internal/release"
	"escrowpay/internal/tokens"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type createEscrowRequest struct {
	TokenAddr        string             `json:"tokenAddr" validate:"required"`
	Amount           string             `json:"amount" validate:"required,numeric"`
	Payee            string             `json:"payee" validate:"required"`
	Rule             escrow.ReleaseRule `json:"rule" validate:"required,oneof=manual auto"`
	ChainID          uint64             `json:"chainId"`
	AutoReleaseHours int                `json:"autoReleaseHours" validate:"gte=0,lte=8760"`
}

type createEscrowResponse struct {
	ID            string  `json:"id"`
	EscrowAddress *string `json:"escrowAddress"`
	ChainID       uint64  `json:"chainId"`
	CheckoutURL   string  `json:"checkoutUrl"`
}

type fundedRequest struct {
	TxHash string `json:"txHash" validate:"required"`
	Payer  string `json:"payer"`
}

type disputeRequest struct {
	Reason    string `json:"reason" validate:"required,max=500"`
	Signature string `json:"signature" validate:"required"`
}

type releaseResponse struct {
	Escrow   escrow.Record `json:"escrow"`
	Released bool          `json:"released"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var payload createEscrowRequest
	if !s.decode(w, r, &payload) {
		return
	}

	chainID := payload.ChainID
	if chainID == 0 {
		chainID = s.cfg.Service.DefaultChainID
	}
	if !s.deps.Chains.IsChainSupported(chainID) {
		s.writeError(w, r, fmt.Errorf("%w: chain %d is not enabled", intent.ErrChainNotReady, chainID))
		return
	}
	tok, err := s.deps.Builder.ResolveToken(chainID, payload.TokenAddr, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !tokens.IsValidTokenAmount(payload.Amount, tok) || tokens.IsZeroAmount(payload.Amount) {
		s.writeError(w, r, fmt.Errorf("%w: %q", intent.ErrInvalidAmount, payload.Amount))
		return
	}
	if !common.IsHexAddress(payload.Payee) || common.HexToAddress(payload.Payee) == (common.Address{}) {
		s.writeError(w, r, fmt.Errorf("%w: %q", intent.ErrInvalidPayee, payload.Payee))
		return
	}
	if payload.Rule == escrow.RuleAuto && payload.AutoReleaseHours == 0 {
		s.writeBadRequest(w, "autoReleaseHours is required for auto release")
		return
	}
	if payload.Rule == escrow.RuleManual {
		payload.AutoReleaseHours = 0
	}

	rec := escrow.Record{
		ID:               escrow.NewID(),
		ChainID:          chainID,
		TokenSymbol:      tok.Symbol,
		TokenAddress:     common.HexToAddress(tok.Address).Hex(),
		Amount:           strings.TrimLeft(payload.Amount, "0"),
		Payee:            common.HexToAddress(payload.Payee).Hex(),
		Status:           escrow.StatusCreated,
		ReleaseRule:      payload.Rule,
		AutoReleaseHours: payload.AutoReleaseHours,
		CreatedAt:        s.now().UTC(),
	}
	ctx := r.Context()
	if err := s.deps.Escrows.Create(ctx, rec); err != nil {
		s.writeError(w, r, fmt.Errorf("create escrow: %w", err))
		return
	}
	s.metrics.incEscrow(strconv.FormatUint(chainID, 10))
	s.publish(ctx, events.TypeCreated, rec)
	s.log.Info("escrow created",
		zap.String("escrow_id", rec.ID),
		zap.Uint64("chain_id", rec.ChainID),
		zap.String("token", rec.TokenSymbol),
		zap.String("amount", rec.Amount))

	s.writeJSON(w, http.StatusCreated, createEscrowResponse{
		ID:          rec.ID,
		ChainID:     rec.ChainID,
		CheckoutURL: s.cfg.Service.CheckoutBaseURL + "/" + rec.ID,
	})
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFundIntent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Escrows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fi, err := s.deps.Builder.Build(rec)
	if err != nil {
		_, code, _ := apierror.Classify(err)
		s.metrics.incFundIntent(code)
		s.writeError(w, r, err)
		return
	}
	s.metrics.incFundIntent("ok")
	s.writeJSON(w, http.StatusOK, fi)
}

func (s *Server) handleFunded(w http.ResponseWriter, r *http.Request) {
	var payload fundedRequest
	if !s.decode(w, r, &payload) {
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, err := s.deps.Escrows.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.Status != escrow.StatusCreated {
		// A repeated confirmation of the recorded transaction returns the record.
		if strings.EqualFold(rec.FundingTxHash, common.HexToHash(payload.TxHash).Hex()) {
			s.writeJSON(w, http.StatusOK, rec)
			return
		}
		s.writeError(w, r, fmt.Errorf("%w: escrow %s is %s", escrow.ErrInvalidTransition, id, rec.Status))
		return
	}

	funding, err := s.deps.Receipts.VerifyFunding(ctx, rec, payload.TxHash, payload.Payer)
	if err != nil {
		_, code, _ := apierror.Classify(err)
		s.metrics.incFunding(code)
		s.writeError(w, r, err)
		return
	}
	out, err := s.deps.Escrows.MarkFunded(ctx, id, funding)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.incFunding("ok")
	s.publish(ctx, events.TypeFunded, out)
	s.log.Info("escrow funded",
		zap.String("escrow_id", out.ID),
		zap.String("tx_hash", out.FundingTxHash),
		zap.String("escrow_address", out.EscrowAddress))
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	rec, released, err := s.deps.Releases.Release(r.Context(), chi.URLParam(r, "id"), escrow.ReleasedByPayee)
	if errors.Is(err, release.ErrReleaseInProgress) {
		s.writeJSON(w, http.StatusAccepted, releaseResponse{Escrow: rec, Released: false})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, releaseResponse{Escrow: rec, Released: released})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	var payload disputeRequest
	if !s.decode(w, r, &payload) {
		return
	}
	ctx := r.Context()
	rec, err := s.deps.Escrows.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !rec.CanTransition(escrow.StatusDisputed) {
		s.writeError(w, r, fmt.Errorf("%w: %s -> %s", escrow.ErrInvalidTransition, rec.Status, escrow.StatusDisputed))
		return
	}
	reason := strings.TrimSpace(payload.Reason)
	// the payer signs the reason as submitted, before trimming
	if err := escrow.VerifyDisputer(rec, payload.Reason, payload.Signature); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err = s.deps.Escrows.MarkDisputed(ctx, rec.ID, reason, s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(ctx, events.TypeDisputed, rec)
	s.log.Info("escrow disputed", zap.String("escrow_id", rec.ID))
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Receipts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// chainView is the public projection of a chain. RPC URLs may embed
// provider keys and are not exposed.
type chainView struct {
	ID             uint64                `json:"chainId"`
	Name           string                `json:"name"`
	NativeCurrency chains.NativeCurrency `json:"nativeCurrency"`
	ExplorerURL    string                `json:"explorerUrl,omitempty"`
	IsTestnet      bool                  `json:"isTestnet"`
	Ready          bool                  `json:"ready"`
	Tokens         []string              `json:"tokens"`
}

func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	enabled := s.deps.Chains.EnabledChains()
	out := make([]chainView, 0, len(enabled))
	for _, c := range enabled {
		out = append(out, chainView{
			ID:             c.ID,
			Name:           c.Name,
			NativeCurrency: c.NativeCurrency,
			ExplorerURL:    c.ExplorerURL,
			IsTestnet:      c.IsTestnet,
			Ready:          s.deps.Chains.ValidateChainContracts(c.ID),
			Tokens:         c.Tokens,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeBadRequest(w, "chain id must be a decimal integer")
		return
	}
	desc, ok := s.deps.Chains.NetworkSwitchData(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, apierror.Body{Error: fmt.Sprintf("chain %d not found", id), Code: apierror.CodeNotFound})
		return
	}
	s.writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	var chainID uint64
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeBadRequest(w, "chainId must be a decimal integer")
			return
		}
		chainID = parsed
	}
	out := s.deps.Tokens.EnabledTokens(chainID)
	if out == nil {
		out = []tokens.TokenConfig{}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) publish(ctx context.Context, t events.Type, rec escrow.Record) {
	if err := s.deps.Events.Publish(ctx, events.New(t, rec, s.now())); err != nil {
		s.log.Warn("publish event failed", zap.String("type", string(t)), zap.String("escrow_id", rec.ID), zap.Error(err))
	}
}

// decode reads a JSON body into dst and validates it. It writes the 400
// itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeBadRequest(w, "invalid json payload")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeBadRequest(w, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		if len(field) > 0 {
			field = strings.ToLower(field[:1]) + field[1:]
		}
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, field+" must be one of: "+fe.Param())
		case "numeric":
			parts = append(parts, field+" must be a base-10 integer string")
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s %s", field, fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, apierror.Body{Error: msg, Code: apierror.CodeBadRequest})
}

// writeError maps err onto the API taxonomy. Errors outside it are logged at
// error level and their text is not sent to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, expected := apierror.Classify(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("code", code),
		zap.Error(err),
	}
	msg := err.Error()
	if expected {
		s.log.Info("request rejected", fields...)
	} else {
		s.log.Error("request failed", fields...)
		msg = http.StatusText(status)
	}
	s.writeJSON(w, status, apierror.Body{Error: msg, Code: code})
}
