package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"escrowpay/internal/chains"
	"escrowpay/internal/config"
	"escrowpay/internal/contracts"
	"escrowpay/internal/escrow"
	"escrowpay/internal/events"
	"escrowpay/internal/hmacauth"
	"escrowpay/internal/idempotency"
	"escrowpay/internal/intent"
	"escrowpay/internal/receipt"
	"escrowpay/internal/release"
	"escrowpay/internal/tokens"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const hmacSecret = "test-secret"

var (
	factory   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	escrowAt  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	payee     = common.HexToAddress("0x3000000000000000000000000000000000000003")
	payer     = common.HexToAddress("0x4000000000000000000000000000000000000004")
	arbPYUSD  = common.HexToAddress("0x46850aD61C2B7d64d08c9C754F45254596696984")
	fundingTx = "0x00000000000000000000000000000000000000000000000000000000000000aa"
)

type testEnv struct {
	srv      *Server
	store    escrow.Store
	client   *escrow.FakeClient
	events   *events.Recorder
	bindings *contracts.Bindings
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HMACSecret:        hmacSecret,
			HMACClockSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
			CheckoutBaseURL:   "https://pay.example/checkout",
			DefaultChainID:    chains.ArbitrumOne,
			RequestTimeout:    5 * time.Second,
		},
	}

	chainReg, err := chains.NewRegistry(chains.ApplyDeployments(chains.DefaultChains(), chains.Deployments{
		chains.ArbitrumOne: {
			chains.RoleEscrowFactory:    factory.Hex(),
			chains.RoleMerchantRegistry: "0x1000000000000000000000000000000000000002",
			chains.RolePaymentProcessor: "0x1000000000000000000000000000000000000003",
		},
	}))
	if err != nil {
		t.Fatalf("chains: %v", err)
	}
	tokenReg, err := tokens.NewRegistry(chainReg, tokens.DefaultTokens())
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	bindings, err := contracts.Load()
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}

	store := escrow.NewMemoryStore()
	client := escrow.NewFakeClient()
	recorder := &events.Recorder{}
	metrics := NewMetrics()

	deps := Deps{
		Chains:  chainReg,
		Tokens:  tokenReg,
		Builder: intent.NewBuilder(chainReg, tokenReg, bindings),
		Escrows: store,
		Client:  client,
		Receipts: receipt.NewService(receipt.Config{
			Store: store, Client: client, Chains: chainReg, Tokens: tokenReg, Bindings: bindings,
		}),
		Releases: release.NewService(release.Config{
			Store:    store,
			Client:   client,
			Retry:    release.RetryPolicy{MaxAttempts: 1, InitialBackoff: time.Millisecond},
			DLQ:      release.NewDLQ(t.TempDir()),
			Events:   recorder,
			Observer: metrics,
		}),
		Idempotency: idempotency.NewMemoryStore(),
		Events:      recorder,
		Metrics:     metrics,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testEnv{
		srv:      NewServer(cfg, deps),
		store:    deps.Escrows,
		client:   client,
		events:   recorder,
		bindings: bindings,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var raw []byte
	if body != nil {
		raw, _ = json.Marshal(body)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

// signed sends a merchant-signed request.
func (e *testEnv) signed(method, path string, body any, idemKey string) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	(&hmacauth.Verifier{Secret: hmacSecret}).SignRequest(req, raw, time.Now())
	if idemKey != "" {
		req.Header.Set(idempotency.HeaderKey, idemKey)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createBody() map[string]any {
	return map[string]any{
		"tokenAddr": arbPYUSD.Hex(),
		"amount":    "1000000",
		"payee":     payee.Hex(),
		"rule":      "manual",
	}
}

func (e *testEnv) createEscrow(t *testing.T, body map[string]any) string {
	t.Helper()
	rec := e.signed(http.MethodPost, "/api/escrows", body, "key-"+escrow.NewID())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201 got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createEscrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	return resp.ID
}

func (e *testEnv) factoryReceipt(t *testing.T, amount int64) *types.Receipt {
	t.Helper()
	return e.factoryReceiptFrom(t, amount, payer)
}

func (e *testEnv) factoryReceiptFrom(t *testing.T, amount int64, from common.Address) *types.Receipt {
	t.Helper()
	created := e.bindings.Factory.Events[contracts.EventEscrowCreated]
	createdData, err := created.Inputs.NonIndexed().Pack(arbPYUSD, big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack EscrowCreated: %v", err)
	}
	funded := e.bindings.Escrow.Events[contracts.EventFunded]
	fundedData, err := funded.Inputs.NonIndexed().Pack(big.NewInt(amount))
	if err != nil {
		t.Fatalf("pack Funded: %v", err)
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(321),
		Logs: []*types.Log{
			{
				Address: factory,
				Topics:  []common.Hash{created.ID, common.BytesToHash(escrowAt.Bytes()), common.BytesToHash(payee.Bytes())},
				Data:    createdData,
			},
			{
				Address: escrowAt,
				Topics:  []common.Hash{funded.ID, common.BytesToHash(from.Bytes())},
				Data:    fundedData,
			},
		},
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func TestCreateEscrowIdempotency(t *testing.T) {
	env := newTestEnv(t)

	first := env.signed(http.MethodPost, "/api/escrows", createBody(), "key-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", first.Code, first.Body.String())
	}
	var resp createEscrowResponse
	if err := json.Unmarshal(first.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EscrowAddress != nil || resp.ChainID != chains.ArbitrumOne {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.CheckoutURL != "https://pay.example/checkout/"+resp.ID {
		t.Fatalf("unexpected checkout url %s", resp.CheckoutURL)
	}
	if !strings.Contains(first.Body.String(), `"escrowAddress":null`) {
		t.Fatalf("escrowAddress should be null: %s", first.Body.String())
	}

	second := env.signed(http.MethodPost, "/api/escrows", createBody(), "key-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("expected cached 201 got %d", second.Code)
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatalf("expected identical responses, got %s vs %s", first.Body.String(), second.Body.String())
	}
	if len(env.events.Events()) != 1 {
		t.Fatalf("replay must not create a second escrow, events: %v", env.events.Types())
	}

	other := createBody()
	other["amount"] = "2000000"
	conflict := env.signed(http.MethodPost, "/api/escrows", other, "key-1")
	if conflict.Code != http.StatusUnprocessableEntity || decodeError(t, conflict) != "idempotency_conflict" {
		t.Fatalf("expected idempotency conflict, got %d %s", conflict.Code, conflict.Body.String())
	}
}

func TestCreateEscrowRequiresSignatureAndKey(t *testing.T) {
	env := newTestEnv(t)

	unsigned := env.do(http.MethodPost, "/api/escrows", createBody(), map[string]string{idempotency.HeaderKey: "k"})
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", unsigned.Code)
	}

	noKey := env.signed(http.MethodPost, "/api/escrows", createBody(), "")
	if noKey.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", noKey.Code)
	}
}

func TestCreateEscrowValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := map[string]struct {
		mutate func(map[string]any)
		status int
		code   string
	}{
		"bad rule":        {func(b map[string]any) { b["rule"] = "sometimes" }, http.StatusBadRequest, "bad_request"},
		"missing payee":   {func(b map[string]any) { delete(b, "payee") }, http.StatusBadRequest, "bad_request"},
		"decimal amount":  {func(b map[string]any) { b["amount"] = "1.5" }, http.StatusUnprocessableEntity, "invalid_amount"},
		"zero amount":     {func(b map[string]any) { b["amount"] = "0" }, http.StatusUnprocessableEntity, "invalid_amount"},
		"unknown token":   {func(b map[string]any) { b["tokenAddr"] = payer.Hex() }, http.StatusUnprocessableEntity, "token_not_found"},
		"bad payee":       {func(b map[string]any) { b["payee"] = "alice.eth" }, http.StatusUnprocessableEntity, "invalid_payee"},
		"unknown chain":   {func(b map[string]any) { b["chainId"] = 999 }, http.StatusServiceUnavailable, "chain_not_ready"},
		"auto needs time": {func(b map[string]any) { b["rule"] = "auto" }, http.StatusBadRequest, "bad_request"},
	}
	for name, tc := range cases {
		body := createBody()
		tc.mutate(body)
		rec := env.signed(http.MethodPost, "/api/escrows", body, "key-"+name)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d got %d: %s", name, tc.status, rec.Code, rec.Body.String())
		}
		if code := decodeError(t, rec); code != tc.code {
			t.Fatalf("%s: expected code %s got %s", name, tc.code, code)
		}
	}
}

func TestCheckoutLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEscrow(t, createBody())

	got := env.do(http.MethodGet, "/api/escrows/"+id, nil, nil)
	if got.Code != http.StatusOK || !strings.Contains(got.Body.String(), `"status":"created"`) {
		t.Fatalf("get escrow: %d %s", got.Code, got.Body.String())
	}

	fiResp := env.do(http.MethodPost, "/api/escrows/"+id+"/fund-intent", nil, nil)
	if fiResp.Code != http.StatusOK {
		t.Fatalf("fund intent: %d %s", fiResp.Code, fiResp.Body.String())
	}
	var fi intent.FundIntent
	if err := json.Unmarshal(fiResp.Body.Bytes(), &fi); err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if fi.Fund.To != factory.Hex() || !fi.NeedsApproval || fi.Approve == nil || fi.DisplayAmount != "1" {
		t.Fatalf("unexpected intent %+v", fi)
	}

	pending := env.do(http.MethodPost, "/api/escrows/"+id+"/funded", map[string]string{"txHash": fundingTx}, nil)
	if pending.Code != http.StatusAccepted || decodeError(t, pending) != "funding_pending" {
		t.Fatalf("expected funding_pending, got %d %s", pending.Code, pending.Body.String())
	}

	env.client.AddReceipt(fundingTx, env.factoryReceipt(t, 1_000_000))
	funded := env.do(http.MethodPost, "/api/escrows/"+id+"/funded",
		map[string]string{"txHash": fundingTx, "payer": payer.Hex()}, nil)
	if funded.Code != http.StatusOK {
		t.Fatalf("funded: %d %s", funded.Code, funded.Body.String())
	}
	var rec escrow.Record
	_ = json.Unmarshal(funded.Body.Bytes(), &rec)
	if rec.Status != escrow.StatusFunded || rec.EscrowAddress != escrowAt.Hex() || rec.Payer != payer.Hex() {
		t.Fatalf("unexpected funded record %+v", rec)
	}

	again := env.do(http.MethodPost, "/api/escrows/"+id+"/funded", map[string]string{"txHash": fundingTx}, nil)
	if again.Code != http.StatusOK {
		t.Fatalf("repeated confirmation should succeed, got %d", again.Code)
	}

	stale := env.do(http.MethodPost, "/api/escrows/"+id+"/fund-intent", nil, nil)
	if stale.Code != http.StatusConflict || decodeError(t, stale) != "intent_stale" {
		t.Fatalf("expected intent_stale, got %d %s", stale.Code, stale.Body.String())
	}

	rcpt := env.do(http.MethodGet, "/api/receipts/"+id, nil, nil)
	if rcpt.Code != http.StatusOK {
		t.Fatalf("receipt: %d %s", rcpt.Code, rcpt.Body.String())
	}
	var r receipt.Receipt
	_ = json.Unmarshal(rcpt.Body.Bytes(), &r)
	if r.Block != 321 || r.Amount != "1000000" || r.Payer != payer.Hex() || r.Token.Symbol != "PYUSD" {
		t.Fatalf("unexpected receipt %+v", r)
	}

	released := env.signed(http.MethodPost, "/api/escrows/"+id+"/release", map[string]string{}, "")
	if released.Code != http.StatusOK {
		t.Fatalf("release: %d %s", released.Code, released.Body.String())
	}
	var rel releaseResponse
	_ = json.Unmarshal(released.Body.Bytes(), &rel)
	if !rel.Released || rel.Escrow.Status != escrow.StatusReleased || rel.Escrow.ReleasedBy != escrow.ReleasedByPayee {
		t.Fatalf("unexpected release %+v", rel)
	}

	second := env.signed(http.MethodPost, "/api/escrows/"+id+"/release", map[string]string{}, "")
	_ = json.Unmarshal(second.Body.Bytes(), &rel)
	if second.Code != http.StatusOK || rel.Released {
		t.Fatalf("second release should be a no-op, got %d %+v", second.Code, rel)
	}
	if env.client.ReleaseCalls != 1 {
		t.Fatalf("expected one on-chain release, got %d", env.client.ReleaseCalls)
	}

	want := []events.Type{events.TypeCreated, events.TypeFunded, events.TypeReleased}
	gotTypes := env.events.Types()
	if len(gotTypes) != len(want) {
		t.Fatalf("unexpected events %v", gotTypes)
	}
	for i := range want {
		if gotTypes[i] != want[i] {
			t.Fatalf("unexpected events %v", gotTypes)
		}
	}
}

func TestFundedRejectsMismatch(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEscrow(t, createBody())
	env.client.AddReceipt(fundingTx, env.factoryReceipt(t, 5))

	rec := env.do(http.MethodPost, "/api/escrows/"+id+"/funded", map[string]string{"txHash": fundingTx}, nil)
	if rec.Code != http.StatusUnprocessableEntity || decodeError(t, rec) != "funding_mismatch" {
		t.Fatalf("expected funding_mismatch, got %d %s", rec.Code, rec.Body.String())
	}
	stored, _ := env.store.Get(context.Background(), id)
	if stored.Status != escrow.StatusCreated {
		t.Fatalf("escrow must stay created, got %s", stored.Status)
	}
}

func signDispute(t *testing.T, key *ecdsa.PrivateKey, id, reason string) string {
	t.Helper()
	sig, err := escrow.SignDispute(id, reason, func(hash []byte) ([]byte, error) {
		return crypto.Sign(hash, key)
	})
	if err != nil {
		t.Fatalf("sign dispute: %v", err)
	}
	return sig
}

func TestDispute(t *testing.T) {
	env := newTestEnv(t)
	buyer, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	stranger, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	id := env.createEscrow(t, createBody())
	reason := "never shipped"

	early := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute",
		map[string]string{"reason": reason, "signature": signDispute(t, buyer, id, reason)}, nil)
	if early.Code != http.StatusConflict || decodeError(t, early) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d %s", early.Code, early.Body.String())
	}

	env.client.AddReceipt(fundingTx, env.factoryReceiptFrom(t, 1_000_000, crypto.PubkeyToAddress(buyer.PublicKey)))
	if rec := env.do(http.MethodPost, "/api/escrows/"+id+"/funded", map[string]string{"txHash": fundingTx}, nil); rec.Code != http.StatusOK {
		t.Fatalf("funded: %d %s", rec.Code, rec.Body.String())
	}

	empty := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute", map[string]string{}, nil)
	if empty.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty reason, got %d", empty.Code)
	}
	unsigned := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute", map[string]string{"reason": reason}, nil)
	if unsigned.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature, got %d", unsigned.Code)
	}

	forged := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute",
		map[string]string{"reason": reason, "signature": signDispute(t, stranger, id, reason)}, nil)
	if forged.Code != http.StatusForbidden || decodeError(t, forged) != "not_payer" {
		t.Fatalf("expected not_payer, got %d %s", forged.Code, forged.Body.String())
	}
	replayed := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute",
		map[string]string{"reason": "changed my mind", "signature": signDispute(t, buyer, id, reason)}, nil)
	if replayed.Code != http.StatusForbidden {
		t.Fatalf("signature must cover the reason, got %d", replayed.Code)
	}
	stored, _ := env.store.Get(context.Background(), id)
	if stored.Status != escrow.StatusFunded {
		t.Fatalf("rejected disputes must not change the escrow, got %s", stored.Status)
	}

	ok := env.do(http.MethodPost, "/api/escrows/"+id+"/dispute",
		map[string]string{"reason": reason, "signature": signDispute(t, buyer, id, reason)}, nil)
	if ok.Code != http.StatusOK || !strings.Contains(ok.Body.String(), `"status":"disputed"`) {
		t.Fatalf("dispute: %d %s", ok.Code, ok.Body.String())
	}
}

func TestReleaseWhileClaimed(t *testing.T) {
	env := newTestEnv(t)
	id := env.createEscrow(t, createBody())
	env.client.AddReceipt(fundingTx, env.factoryReceipt(t, 1_000_000))
	if rec := env.do(http.MethodPost, "/api/escrows/"+id+"/funded", map[string]string{"txHash": fundingTx}, nil); rec.Code != http.StatusOK {
		t.Fatalf("funded: %d %s", rec.Code, rec.Body.String())
	}
	if _, claimed, err := env.store.ClaimRelease(context.Background(), id, escrow.ReleasedByTimer, time.Now()); err != nil || !claimed {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	first := env.signed(http.MethodPost, "/api/escrows/"+id+"/release", map[string]string{}, "rel-1")
	if first.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while claimed, got %d %s", first.Code, first.Body.String())
	}
	var rel releaseResponse
	_ = json.Unmarshal(first.Body.Bytes(), &rel)
	if rel.Released || rel.Escrow.Status != escrow.StatusFunded {
		t.Fatalf("unexpected response %+v", rel)
	}
	if env.client.ReleaseCalls != 0 {
		t.Fatalf("a claimed escrow must not be released again, got %d calls", env.client.ReleaseCalls)
	}

	if _, err := env.store.MarkReleased(context.Background(), id, escrow.Release{TxHash: "0xrel", By: escrow.ReleasedByTimer, At: time.Now()}); err != nil {
		t.Fatalf("mark released: %v", err)
	}
	retry := env.signed(http.MethodPost, "/api/escrows/"+id+"/release", map[string]string{}, "rel-1")
	_ = json.Unmarshal(retry.Body.Bytes(), &rel)
	if retry.Code != http.StatusOK || rel.Escrow.Status != escrow.StatusReleased {
		t.Fatalf("retry with the same key should see the outcome, got %d %s", retry.Code, retry.Body.String())
	}
}

func TestNetworkHidesOperatorRPC(t *testing.T) {
	secret := "https://arb-mainnet.g.alchemy.com/v2/SECRETKEY"
	env := newTestEnv(t, func(d *Deps) {
		reg, err := chains.NewRegistry(chains.WithRPCOverrides(chains.DefaultChains(), map[uint64]string{chains.ArbitrumOne: secret}))
		if err != nil {
			t.Fatalf("chains: %v", err)
		}
		d.Chains = reg
	})

	rec := env.do(http.MethodGet, "/api/chains/42161/network", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("network: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "SECRETKEY") || !strings.Contains(rec.Body.String(), "https://arb1.arbitrum.io/rpc") {
		t.Fatalf("network data must offer the public endpoint only: %s", rec.Body.String())
	}
}

func TestFundIntentChainNotReady(t *testing.T) {
	env := newTestEnv(t)
	body := createBody()
	body["chainId"] = chains.Sepolia
	body["tokenAddr"] = "0xCaC524BcA292aaade2DF8A05cC58F0a65B1B3bB9"
	id := env.createEscrow(t, body)

	rec := env.do(http.MethodPost, "/api/escrows/"+id+"/fund-intent", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec) != "chain_not_ready" {
		t.Fatalf("expected chain_not_ready, got %d %s", rec.Code, rec.Body.String())
	}

	missing := env.do(http.MethodPost, "/api/escrows/nope/fund-intent", nil, nil)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", missing.Code)
	}
}

func TestDiscoveryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	chainsResp := env.do(http.MethodGet, "/api/chains", nil, nil)
	if chainsResp.Code != http.StatusOK || strings.Contains(chainsResp.Body.String(), "rpcUrl") {
		t.Fatalf("chains: %d %s", chainsResp.Code, chainsResp.Body.String())
	}
	var views []chainView
	_ = json.Unmarshal(chainsResp.Body.Bytes(), &views)
	ready := map[uint64]bool{}
	for _, v := range views {
		ready[v.ID] = v.Ready
	}
	if !ready[chains.ArbitrumOne] || ready[chains.Sepolia] {
		t.Fatalf("unexpected readiness %v", ready)
	}

	network := env.do(http.MethodGet, "/api/chains/42161/network", nil, nil)
	if network.Code != http.StatusOK || !strings.Contains(network.Body.String(), `"chainId":"0xa4b1"`) {
		t.Fatalf("network: %d %s", network.Code, network.Body.String())
	}
	if rec := env.do(http.MethodGet, "/api/chains/5/network", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/chains/abc/network", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}

	tokensResp := env.do(http.MethodGet, "/api/tokens?chainId=42161", nil, nil)
	var toks []tokens.TokenConfig
	_ = json.Unmarshal(tokensResp.Body.Bytes(), &toks)
	if tokensResp.Code != http.StatusOK || len(toks) != 3 {
		t.Fatalf("tokens: %d %s", tokensResp.Code, tokensResp.Body.String())
	}
}

type failingStore struct {
	*escrow.MemoryStore
}

func (failingStore) Ping(context.Context) error { return errors.New("db unreachable") }

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"healthy"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}

	degraded := newTestEnv(t, func(d *Deps) {
		d.Escrows = failingStore{escrow.NewMemoryStore()}
	})
	rec = degraded.do(http.MethodGet, "/api/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "db unreachable") {
		t.Fatalf("expected degraded health, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.createEscrow(t, createBody())

	rec := env.do(http.MethodGet, "/api/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `escrowpay_escrows_created_total{chain_id="42161"} 1`) {
		t.Fatalf("missing escrow counter:\n%s", rec.Body.String())
	}
}
