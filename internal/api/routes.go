// Package api implements component C9 (HTTP action surface) and component
// C10 (event hub) — the Gin router exposing §6's user actions, wired to
// account/admission/reveal/settlement, with the teacher's CORS, bearer-auth,
// and rate-limiting middleware kept verbatim in spirit.
package api

import (
	"encoding/base64"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rawblock/omnibatch-engine/internal/account"
	"github.com/rawblock/omnibatch-engine/internal/admission"
	"github.com/rawblock/omnibatch-engine/internal/batch"
	"github.com/rawblock/omnibatch-engine/internal/cipher"
	"github.com/rawblock/omnibatch-engine/internal/coreerrors"
	"github.com/rawblock/omnibatch-engine/internal/db"
	"github.com/rawblock/omnibatch-engine/internal/ledger"
	"github.com/rawblock/omnibatch-engine/internal/reveal"
	"github.com/rawblock/omnibatch-engine/internal/settlement"
	"github.com/rawblock/omnibatch-engine/pkg/models"
)

// microToDisplay renders a 6-decimal micro-unit amount (1 unit = 1_000_000
// micros) as a whole-unit decimal string with six decimals — the teacher's
// btcToSats pattern run in reverse. btcutil.Amount counts 1e8 base units
// per whole unit, so micros are scaled by 100 before conversion.
func microToDisplay(micro uint64) string {
	amt := btcutil.Amount(int64(micro) * 100)
	return strconv.FormatFloat(amt.ToBTC(), 'f', 6, 64)
}

// APIHandler wires every §6 action to its handler. One instance per
// running engine, constructed by cmd/engine.
type APIHandler struct {
	dbStore     *db.PostgresStore
	wsHub       *Hub
	ledgerStore *ledger.Store
	accumulator *batch.Accumulator
	accountMgr  *account.Manager
	admitter    *admission.Admitter
	committer   *reveal.Committer
	settler     *settlement.Settler
}

func SetupRouter(dbStore *db.PostgresStore, wsHub *Hub, ledgerStore *ledger.Store, accumulator *batch.Accumulator,
	accountMgr *account.Manager, admitter *admission.Admitter, committer *reveal.Committer, settler *settlement.Settler) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var.
	// Production: ALLOWED_ORIGINS=https://app.example.com
	// Development: leave empty for *.
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		dbStore:     dbStore,
		wsHub:       wsHub,
		ledgerStore: ledgerStore,
		accumulator: accumulator,
		accountMgr:  accountMgr,
		admitter:    admitter,
		committer:   committer,
		settler:     settler,
	}

	// ── Public endpoints (no auth) ──────────────────────────────
	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/batch/status", handler.handleBatchStatus)
	}

	// ── Protected + rate-limited endpoints ──────────────────────
	// place_order/execute_batch/settle are the endpoints an uncapped
	// client could spam to force spurious reveal_batch triggers, so the
	// rate limiter guards the whole protected group (§9 supplemental
	// feature), matching the teacher's blanket application of
	// NewRateLimiter over its own O(n)-cost protected group.
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	auth.Use(NewRateLimiter(60, 10).Middleware())
	{
		auth.POST("/profile", handler.handleCreateProfile)
		auth.POST("/deposit", handler.handleDeposit)
		auth.POST("/withdraw", handler.handleWithdraw)
		auth.POST("/transfer", handler.handleTransfer)
		auth.POST("/orders", handler.handlePlaceOrder)
		auth.POST("/batch/execute", handler.handleExecuteBatch)
		auth.POST("/settle", handler.handleSettle)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleBatchStatus reports the accumulator's plaintext batch id and state
// only — not order_count or active_pairs, and never ciphertexts, per §6
// "Events carry only plaintext fields".
func (h *APIHandler) handleBatchStatus(c *gin.Context) {
	batchID, _, _ := h.accumulator.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"batchId": batchID,
		"state":   h.accumulator.State().String(),
	})
}

// decodeCiphertext decodes a base64-encoded fixed-width ciphertext from a
// JSON request field.
func decodeCiphertext(b64 string) (cipher.Ciphertext, error) {
	var ct cipher.Ciphertext
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != len(ct) {
		return ct, coreerrors.New(coreerrors.InvalidAmount)
	}
	copy(ct[:], raw)
	return ct, nil
}

func decodeNonce(b64 string) (cipher.Nonce, error) {
	var n cipher.Nonce
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != len(n) {
		return n, coreerrors.New(coreerrors.InvalidAmount)
	}
	copy(n[:], raw)
	return n, nil
}

func decodePubKey(b64 string) ([32]byte, error) {
	var pk [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != len(pk) {
		return pk, coreerrors.New(coreerrors.InvalidAmount)
	}
	copy(pk[:], raw)
	return pk, nil
}

// requestID tags every mutating response with a fresh correlation id —
// the teacher's habit of minting a uuid per unit of work (llr_engine.go's
// edgeID) generalized to request tracing instead of evidence-graph rows.
func requestID() string {
	return uuid.New().String()
}

// coreErrorStatus maps a coreerrors.Kind to an HTTP status, the same
// "typed failure taxonomy -> exit code" mapping §7 calls for at the
// CLI/action boundary.
func coreErrorStatus(kind coreerrors.Kind) int {
	switch kind {
	case coreerrors.ProfileNotFound, coreerrors.RecipientAccountNotFound:
		return http.StatusNotFound
	case coreerrors.ProfileExists, coreerrors.PendingOrderExists:
		return http.StatusConflict
	case coreerrors.AccumulatorInitializing, coreerrors.BatchRevealing, coreerrors.StaleAccumulator, coreerrors.BatchNotFinalized, coreerrors.SettlementPending:
		return http.StatusServiceUnavailable
	case coreerrors.InvalidAmount, coreerrors.InvalidAssetID, coreerrors.InvalidPairID, coreerrors.NoPendingOrder, coreerrors.BatchIDMismatch:
		return http.StatusBadRequest
	case coreerrors.FaucetLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) writeError(c *gin.Context, err error) {
	kind, ok := coreerrors.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(coreErrorStatus(kind), gin.H{"error": string(kind)})
}

type createProfileRequest struct {
	Owner        string    `json:"owner" binding:"required"`
	PublicKey    string    `json:"publicKey" binding:"required"`
	ZeroBalances [4]string `json:"zeroBalances" binding:"required"`
	InitNonces   [4]string `json:"initNonces" binding:"required"`
}

func (h *APIHandler) handleCreateProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pk, err := decodePubKey(req.PublicKey)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var zeros [models.NumAssets]cipher.Ciphertext
	var nonces [models.NumAssets]cipher.Nonce
	for i := 0; i < models.NumAssets; i++ {
		ct, err := decodeCiphertext(req.ZeroBalances[i])
		if err != nil {
			h.writeError(c, err)
			return
		}
		n, err := decodeNonce(req.InitNonces[i])
		if err != nil {
			h.writeError(c, err)
			return
		}
		zeros[i] = ct
		nonces[i] = n
	}

	if err := h.accountMgr.CreateProfile(req.Owner, pk, zeros, nonces); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"owner": req.Owner, "requestId": requestID()})
}

type amountRequest struct {
	Owner       string `json:"owner" binding:"required"`
	AssetID     uint8  `json:"assetId"`
	Amount      uint64 `json:"amount" binding:"required"`
	AmountCT    string `json:"amountCiphertext" binding:"required"`
	AmountNonce string `json:"amountNonce" binding:"required"`
}

func (h *APIHandler) parseAmountRequest(c *gin.Context) (amountRequest, models.AssetID, cipher.Ciphertext, cipher.Nonce, bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, 0, cipher.Ciphertext{}, cipher.Nonce{}, false
	}
	ct, err := decodeCiphertext(req.AmountCT)
	if err != nil {
		h.writeError(c, err)
		return req, 0, cipher.Ciphertext{}, cipher.Nonce{}, false
	}
	nonce, err := decodeNonce(req.AmountNonce)
	if err != nil {
		h.writeError(c, err)
		return req, 0, cipher.Ciphertext{}, cipher.Nonce{}, false
	}
	return req, models.AssetID(req.AssetID), ct, nonce, true
}

// Mutating handlers respond 202 Accepted as soon as the circuit is queued:
// the computationOffset in the response is the handle the client correlates
// against the event stream (SettlementEvent, InsufficientBalance,
// AbortedComputation) to learn the outcome. No handler waits for an MPC
// callback.
func (h *APIHandler) handleDeposit(c *gin.Context) {
	req, assetID, ct, nonce, ok := h.parseAmountRequest(c)
	if !ok {
		return
	}
	offset, err := h.accountMgr.Deposit(c.Request.Context(), req.Owner, assetID, req.Amount, ct, nonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"owner": req.Owner, "asset": assetID.String(), "display": microToDisplay(req.Amount), "computationOffset": offset, "requestId": requestID()})
}

func (h *APIHandler) handleWithdraw(c *gin.Context) {
	req, assetID, ct, nonce, ok := h.parseAmountRequest(c)
	if !ok {
		return
	}
	offset, err := h.accountMgr.Withdraw(c.Request.Context(), req.Owner, assetID, req.Amount, ct, nonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"owner": req.Owner, "asset": assetID.String(), "display": microToDisplay(req.Amount), "computationOffset": offset, "requestId": requestID()})
}

type transferRequest struct {
	Sender      string `json:"sender" binding:"required"`
	Recipient   string `json:"recipient" binding:"required"`
	AmountCT    string `json:"amountCiphertext" binding:"required"`
	AmountNonce string `json:"amountNonce" binding:"required"`
}

func (h *APIHandler) handleTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ct, err := decodeCiphertext(req.AmountCT)
	if err != nil {
		h.writeError(c, err)
		return
	}
	nonce, err := decodeNonce(req.AmountNonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	offset, err := h.accountMgr.Transfer(c.Request.Context(), req.Sender, req.Recipient, ct, nonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"sender": req.Sender, "recipient": req.Recipient, "computationOffset": offset, "requestId": requestID()})
}

type placeOrderRequest struct {
	Owner         string `json:"owner" binding:"required"`
	SourceAssetID uint8  `json:"sourceAssetId"`
	PairCT        string `json:"pairCiphertext" binding:"required"`
	DirCT         string `json:"directionCiphertext" binding:"required"`
	AmountCT      string `json:"amountCiphertext" binding:"required"`
	OrderNonce    string `json:"orderNonce" binding:"required"`
}

func (h *APIHandler) handlePlaceOrder(c *gin.Context) {
	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pairCT, err := decodeCiphertext(req.PairCT)
	if err != nil {
		h.writeError(c, err)
		return
	}
	dirCT, err := decodeCiphertext(req.DirCT)
	if err != nil {
		h.writeError(c, err)
		return
	}
	amountCT, err := decodeCiphertext(req.AmountCT)
	if err != nil {
		h.writeError(c, err)
		return
	}
	orderNonce, err := decodeNonce(req.OrderNonce)
	if err != nil {
		h.writeError(c, err)
		return
	}

	order := admission.EncryptedOrder{
		PairCT:     pairCT,
		DirCT:      dirCT,
		AmountCT:   amountCT,
		OrderNonce: orderNonce,
	}

	offset, err := h.admitter.PlaceOrder(c.Request.Context(), req.Owner, order, models.AssetID(req.SourceAssetID))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"owner": req.Owner, "computationOffset": offset, "requestId": requestID()})
}

// handleExecuteBatch is permissionless in spirit (§6) — still behind the
// bearer+rate-limit group in this implementation to keep it from being
// used to grief the batch (forcing reveals with thin batches is the one
// thing the trigger policy already guards against, but hammering this
// endpoint would still waste MPC cycles).
func (h *APIHandler) handleExecuteBatch(c *gin.Context) {
	offset, err := h.committer.TriggerReveal(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"computationOffset": offset, "requestId": requestID()})
}

type settleRequest struct {
	Owner string `json:"owner" binding:"required"`
}

func (h *APIHandler) handleSettle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := h.settler.Settle(c.Request.Context(), req.Owner)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"owner": req.Owner, "computationOffset": offset, "requestId": requestID()})
}

