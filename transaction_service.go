package walletcore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/uniswap/walletcore/idempotency"
)

// Failure stages reported to the analytics sink
const (
	StagePrepare = "prepare"
	StageSign    = "sign"
	StageSubmit  = "submit"
)

// PrepareParams are the inputs of PrepareAndSignTransaction.
type PrepareParams struct {
	ChainID             uint64
	Account             AccountMeta
	Request             TransactionRequest
	SubmitViaPrivateRPC bool
}

// SubmitParams are the inputs of SubmitTransaction and SubmitTransactionSync.
type SubmitParams struct {
	// TxID is the local id of the record. A new one is generated when empty.
	TxID    string
	ChainID uint64
	Account AccountMeta
	Request *SignedTransactionRequest
	// Options carries submission metadata. Options.Request is overwritten with the request
	// that is actually sent.
	Options               TransactionOptions
	TransactionOriginType TransactionOriginType
	// TypeInfo enables state tracking. Without it the submission is fire-and-forget.
	TypeInfo  TypeInfo
	Routing   Routing
	BatchID   string
	Analytics map[string]any
}

// ExecuteParams are the inputs of ExecuteTransaction. PreSigned skips prepare and sign.
type ExecuteParams struct {
	TxID                  string
	ChainID               uint64
	Account               AccountMeta
	Request               TransactionRequest
	PreSigned             *SignedTransactionRequest
	Options               TransactionOptions
	TypeInfo              TypeInfo
	Routing               Routing
	TransactionOriginType TransactionOriginType
	BatchID               string
	IdempotencyKey        string
	Analytics             map[string]any
}

// TransactionService prepares, signs and submits transactions for local accounts, and keeps the
// state store in line with what was sent. It is safe for concurrent use.
type TransactionService struct {
	providers ProviderResolver
	store     *TransactionStore
	nonces    *NonceOracle
	gas       GasFeeEstimator
	signer    Signer

	analytics        AnalyticsSink
	idempotencyStore idempotency.Store
	syncPollInterval time.Duration
	now              func() time.Time
	newID            func() string
}

// NewTransactionService creates a service. The nonce oracle is built from providers and store
// unless WithNonceOracle is given.
func NewTransactionService(
	providers ProviderResolver,
	store *TransactionStore,
	gas GasFeeEstimator,
	signer Signer,
	opts ...ServiceOption,
) *TransactionService {
	s := &TransactionService{
		providers:        providers,
		store:            store,
		gas:              gas,
		signer:           signer,
		analytics:        nopAnalytics{},
		syncPollInterval: DefaultSyncPollInterval,
		now:              time.Now,
		newID:            defaultIDGenerator,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nonces == nil {
		s.nonces = NewNonceOracle(providers, store)
	}
	return s
}

// Store returns the state store the service writes to
func (s *TransactionService) Store() *TransactionStore {
	return s.store
}

// NewTransactionID returns a fresh local transaction id
func (s *TransactionService) NewTransactionID() string {
	return s.newID()
}

// GetNextNonce returns the nonce the next transaction of the account would use.
func (s *TransactionService) GetNextNonce(ctx context.Context, p NonceParams) (CalculatedNonce, error) {
	return s.nonces.GetNextNonce(ctx, p)
}

// ReleaseNonce frees the nonce reservation of a signed request that will not be submitted.
func (s *TransactionService) ReleaseNonce(signed *SignedTransactionRequest) {
	if signed == nil || !signed.reserved || signed.Request.Nonce == nil {
		return
	}
	s.nonces.ReleaseNonce(signed.Request.From, signed.Request.ChainID, *signed.Request.Nonce)
	signed.reserved = false
}

func (s *TransactionService) commitNonce(signed *SignedTransactionRequest) {
	if signed == nil || !signed.reserved || signed.Request.Nonce == nil {
		return
	}
	s.nonces.CommitNonce(signed.Request.From, signed.Request.ChainID, *signed.Request.Nonce)
	signed.reserved = false
}

func (s *TransactionService) fail(ctx context.Context, stage string, chainID uint64, sentinel, cause error) error {
	s.analytics.TrackFailed(ctx, stage, chainID)
	return errors.Join(sentinel, cause)
}

// PrepareAndSignTransaction fills the nonce and gas fields that are missing on the request and
// signs it. On failure nothing is returned and nothing was sent or stored.
//
// The nonce, taken from the oracle or given on the request, stays reserved until the signed
// request is submitted or released with ReleaseNonce.
func (s *TransactionService) PrepareAndSignTransaction(ctx context.Context, p PrepareParams) (signed *SignedTransactionRequest, err error) {
	if p.Account.Address == (common.Address{}) {
		return nil, s.fail(ctx, StagePrepare, p.ChainID, ErrPreparationFailed, ErrFromAddressZero)
	}

	req := p.Request.Clone()
	req.ChainID = p.ChainID
	req.From = p.Account.Address

	if req.Nonce == nil {
		calculated, nonceErr := s.nonces.AcquireNonce(ctx, NonceParams{
			Account:             p.Account.Address,
			ChainID:             p.ChainID,
			SubmitViaPrivateRPC: p.SubmitViaPrivateRPC,
		})
		if nonceErr != nil {
			return nil, s.fail(ctx, StagePrepare, p.ChainID, ErrPreparationFailed, nonceErr)
		}
		req.Nonce = &calculated.Nonce
	} else {
		s.nonces.HoldNonce(req.From, req.ChainID, *req.Nonce)
	}
	defer func(n uint64) {
		if err != nil {
			s.nonces.ReleaseNonce(req.From, req.ChainID, n)
		}
	}(*req.Nonce)

	if !req.HasGasFields() {
		fees, gasErr := s.gas.EstimateFees(ctx, req)
		if gasErr != nil {
			return nil, s.fail(ctx, StagePrepare, p.ChainID, ErrPreparationFailed, fmt.Errorf("estimate gas fees: %w", gasErr))
		}
		req = fees.ApplyTo(req)
	}

	if !p.Account.CanSign() {
		return nil, s.fail(ctx, StageSign, p.ChainID, ErrSigningFailed, ErrReadOnlyAccount)
	}
	tx, signErr := s.signer.SignTransaction(ctx, p.Account, req)
	if signErr != nil {
		return nil, s.fail(ctx, StageSign, p.ChainID, ErrSigningFailed, signErr)
	}

	logger.WithFields(logger.Fields{
		"wallet":   req.From.Hex(),
		"chain_id": req.ChainID,
		"nonce":    *req.Nonce,
		"tx_hash":  tx.Hash().Hex(),
	}).Debug("transaction prepared and signed")

	return &SignedTransactionRequest{Request: req, Transaction: tx, reserved: true}, nil
}

// submission is the state shared by the async and sync submit paths.
type submission struct {
	params   SubmitParams
	provider ChainProvider
	details  TransactionDetails
	tracked  bool
}

func (s *TransactionService) beginSubmission(ctx context.Context, p SubmitParams) (*submission, error) {
	if p.Request == nil || p.Request.Transaction == nil {
		return nil, s.fail(ctx, StageSubmit, p.ChainID, ErrSubmissionFailed, ErrMissingRequest)
	}
	if p.Request.Request.Nonce == nil {
		return nil, s.fail(ctx, StageSubmit, p.ChainID, ErrSubmissionFailed, ErrMissingNonce)
	}
	provider, err := s.providers.Provider(p.ChainID, p.Options.SubmitViaPrivateRPC)
	if err != nil {
		return nil, s.fail(ctx, StageSubmit, p.ChainID, ErrSubmissionFailed, err)
	}

	if p.TxID == "" {
		p.TxID = s.newID()
	}
	if p.Routing == "" {
		p.Routing = RoutingClassic
	}
	if p.TransactionOriginType == "" {
		p.TransactionOriginType = TransactionOriginInternal
	}

	options := p.Options.Clone()
	options.Request = p.Request.Request.Clone()
	if options.SubmitViaPrivateRPC {
		options.PrivateRPCProvider = provider.Name()
	}

	sub := &submission{
		params:   p,
		provider: provider,
		tracked:  p.TypeInfo != nil,
		details: TransactionDetails{
			ID:                    p.TxID,
			ChainID:               p.ChainID,
			From:                  p.Account.Address,
			Routing:               p.Routing,
			TypeInfo:              p.TypeInfo,
			Status:                StatusPending,
			AddedTime:             s.now(),
			Options:               options,
			TransactionOriginType: p.TransactionOriginType,
			BatchID:               p.BatchID,
		},
	}

	// The optimistic record goes in before the send so the nonce is visible to other flows
	// while the provider call is in progress.
	if sub.tracked {
		if err := s.store.AddTransaction(ctx, sub.details); err != nil {
			return nil, s.fail(ctx, StageSubmit, p.ChainID, ErrSubmissionFailed, err)
		}
	}
	return sub, nil
}

func (s *TransactionService) failSubmission(ctx context.Context, sub *submission, cause error) error {
	if sub.tracked {
		if err := s.store.FinalizeTransaction(ctx, sub.details.Key(), StatusFailed, nil); err != nil {
			logger.WithFields(logger.Fields{
				"tx_id":    sub.details.ID,
				"chain_id": sub.details.ChainID,
				"error":    err,
			}).Warn("couldn't mark failed submission in store")
		}
	}
	logger.WithFields(logger.Fields{
		"tx_id":    sub.details.ID,
		"wallet":   sub.details.From.Hex(),
		"chain_id": sub.details.ChainID,
		"network":  sub.provider.Name(),
		"error":    cause,
	}).Error("transaction submission failed")
	return s.fail(ctx, StageSubmit, sub.details.ChainID, ErrSubmissionFailed, cause)
}

// acceptSubmission attaches the hash to the record and emits analytics once the network took
// the transaction.
func (s *TransactionService) acceptSubmission(ctx context.Context, sub *submission, hash common.Hash, sentAt time.Time, sync bool) {
	sub.details.Hash = &hash
	acceptedAt := s.now()
	sub.details.Options.RPCSubmissionTimestamp = &acceptedAt
	sub.details.Options.RPCSubmissionDelay = acceptedAt.Sub(sentAt)

	if sub.tracked {
		err := s.store.AttachSubmission(ctx, sub.details.Key(), hash, acceptedAt, sub.details.Options.RPCSubmissionDelay)
		if err != nil {
			// The watcher may already have finalized it.
			logger.WithFields(logger.Fields{
				"tx_id":   sub.details.ID,
				"tx_hash": hash.Hex(),
				"error":   err,
			}).Warn("couldn't attach hash to stored transaction")
		}
		if sub.details.BatchID != "" {
			if err := s.store.ApplyHashToBatch(sub.details.BatchID, hash); err != nil {
				logger.WithFields(logger.Fields{
					"batch_id": sub.details.BatchID,
					"error":    err,
				}).Debug("no batch record for submitted transaction")
			}
		}
	}

	s.trackSubmitted(ctx, sub, hash, sync)

	logger.WithFields(logger.Fields{
		"tx_id":    sub.details.ID,
		"wallet":   sub.details.From.Hex(),
		"chain_id": sub.details.ChainID,
		"network":  sub.provider.Name(),
		"tx_hash":  hash.Hex(),
		"nonce":    *sub.details.Options.Request.Nonce,
	}).Info("transaction submitted")
}

// trackSubmitted emits the analytics event of an accepted submission. Dapp-originated
// transactions are not tracked; internal swaps and bridges are expected to carry properties.
func (s *TransactionService) trackSubmitted(ctx context.Context, sub *submission, hash common.Hash, sync bool) {
	if sub.details.TransactionOriginType == TransactionOriginExternal {
		return
	}
	txType := TransactionTypeUnknown
	if sub.details.TypeInfo != nil {
		txType = sub.details.TypeInfo.TransactionType()
	}
	if (txType == TransactionTypeSwap || txType == TransactionTypeBridge) && sub.params.Analytics == nil {
		logger.WithFields(logger.Fields{
			"file":     "transaction_service",
			"function": "trackSubmitted",
			"tx_id":    sub.details.ID,
			"tx_type":  txType,
		}).Error("missing analytics properties for internal swap submission")
		return
	}
	s.analytics.TrackSubmitted(ctx, SubmissionEvent{
		TxID:                  sub.details.ID,
		ChainID:               sub.details.ChainID,
		Hash:                  hash,
		Type:                  txType,
		Routing:               sub.details.Routing,
		TransactionOriginType: sub.details.TransactionOriginType,
		ViaPrivateRPC:         sub.details.Options.SubmitViaPrivateRPC,
		Sync:                  sync,
		Properties:            sub.params.Analytics,
	})
}

// SubmitTransaction sends a signed transaction. With TypeInfo set the transaction is tracked:
// a Pending record exists from just before the send, carries the hash once the node accepts it,
// and is marked Failed when the node rejects it.
func (s *TransactionService) SubmitTransaction(ctx context.Context, p SubmitParams) (SubmitResult, error) {
	defer s.ReleaseNonce(p.Request)

	sub, err := s.beginSubmission(ctx, p)
	if err != nil {
		return SubmitResult{}, err
	}

	tx := p.Request.Transaction
	sentAt := s.now()
	if err := sub.provider.SendTransaction(ctx, tx); err != nil {
		return SubmitResult{}, s.failSubmission(ctx, sub, err)
	}
	s.commitNonce(p.Request)
	s.acceptSubmission(ctx, sub, tx.Hash(), sentAt, false)

	return SubmitResult{TransactionHash: tx.Hash(), Nonce: tx.Nonce()}, nil
}

// SubmitTransactionSync sends a signed transaction and blocks until it is included, using
// eth_sendRawTransactionSync where the chain supports it and receipt polling otherwise. It
// has no timeout of its own; ctx bounds the wait.
//
// When the wait is interrupted after the node accepted the transaction, the record stays
// Pending with its hash and the watcher resolves it.
func (s *TransactionService) SubmitTransactionSync(ctx context.Context, p SubmitParams) (*TransactionDetails, error) {
	defer s.ReleaseNonce(p.Request)

	sub, err := s.beginSubmission(ctx, p)
	if err != nil {
		return nil, err
	}

	tx := p.Request.Transaction
	sentAt := s.now()

	var receipt *types.Receipt
	if sub.provider.SupportsSyncTx() {
		if err := ctx.Err(); err != nil {
			return nil, s.failSubmission(ctx, sub, err)
		}
		receipt, err = sub.provider.SendTransactionSync(ctx, tx)
		if err != nil {
			if !inclusionWaitInterrupted(ctx, err) {
				return nil, s.failSubmission(ctx, sub, err)
			}
			// The node may hold the transaction; the watcher settles the record from its hash.
			s.commitNonce(p.Request)
			s.acceptSubmission(context.WithoutCancel(ctx), sub, tx.Hash(), sentAt, true)
			return nil, fmt.Errorf("wait for inclusion of %s: %w", tx.Hash().Hex(), err)
		}
		s.commitNonce(p.Request)
		s.acceptSubmission(ctx, sub, tx.Hash(), sentAt, true)
	} else {
		if err := sub.provider.SendTransaction(ctx, tx); err != nil {
			return nil, s.failSubmission(ctx, sub, err)
		}
		s.commitNonce(p.Request)
		s.acceptSubmission(ctx, sub, tx.Hash(), sentAt, true)

		receipt, err = s.waitForReceipt(ctx, sub.provider, tx.Hash())
		if err != nil {
			return nil, fmt.Errorf("wait for receipt of %s: %w", tx.Hash().Hex(), err)
		}
	}

	status := StatusSuccess
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = StatusFailed
	}
	sub.details.Status = status
	sub.details.Receipt = NewReceipt(receipt, s.now())

	if sub.tracked {
		if err := s.store.FinalizeTransaction(ctx, sub.details.Key(), status, sub.details.Receipt); err != nil {
			logger.WithFields(logger.Fields{
				"tx_id":   sub.details.ID,
				"tx_hash": tx.Hash().Hex(),
				"error":   err,
			}).Warn("couldn't finalize synchronously confirmed transaction")
		}
		if stored, ok := s.store.Transaction(sub.details.Key()); ok {
			return &stored, nil
		}
	}
	return sub.details.Clone(), nil
}

// inclusionWaitInterrupted reports whether a sync send ended while waiting for inclusion
// rather than because the node rejected the transaction.
func inclusionWaitInterrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrInclusionTimeout)
}

func (s *TransactionService) waitForReceipt(ctx context.Context, provider ChainProvider, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(s.syncPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := provider.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.WithFields(logger.Fields{
				"tx_hash": hash.Hex(),
				"network": provider.Name(),
				"error":   err,
			}).Debug("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExecuteTransaction runs prepare, sign and submit, or only submit when PreSigned is set.
// With an IdempotencyKey and a configured idempotency store, a repeated key returns the first
// outcome instead of sending again.
func (s *TransactionService) ExecuteTransaction(ctx context.Context, p ExecuteParams) (SubmitResult, error) {
	if p.IdempotencyKey != "" && s.idempotencyStore != nil {
		return s.executeWithIdempotency(ctx, p)
	}
	return s.executeInternal(ctx, p)
}

func (s *TransactionService) executeInternal(ctx context.Context, p ExecuteParams) (SubmitResult, error) {
	signed := p.PreSigned
	if signed == nil {
		var err error
		signed, err = s.PrepareAndSignTransaction(ctx, PrepareParams{
			ChainID:             p.ChainID,
			Account:             p.Account,
			Request:             p.Request,
			SubmitViaPrivateRPC: p.Options.SubmitViaPrivateRPC,
		})
		if err != nil {
			return SubmitResult{}, err
		}
	}

	return s.SubmitTransaction(ctx, SubmitParams{
		TxID:                  p.TxID,
		ChainID:               p.ChainID,
		Account:               p.Account,
		Request:               signed,
		Options:               p.Options,
		TransactionOriginType: p.TransactionOriginType,
		TypeInfo:              p.TypeInfo,
		Routing:               p.Routing,
		BatchID:               p.BatchID,
		Analytics:             p.Analytics,
	})
}

func (s *TransactionService) executeWithIdempotency(ctx context.Context, p ExecuteParams) (SubmitResult, error) {
	store := s.idempotencyStore

	existing, err := store.Get(ctx, p.IdempotencyKey)
	switch {
	case err == nil:
		return replayIdempotent(p.IdempotencyKey, existing)
	case !errors.Is(err, idempotency.ErrKeyNotFound):
		return SubmitResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	record, err := store.Create(ctx, p.IdempotencyKey)
	if errors.Is(err, idempotency.ErrDuplicateKey) {
		// Another request created the record first
		return replayIdempotent(p.IdempotencyKey, record)
	}
	if err != nil {
		return SubmitResult{}, fmt.Errorf("idempotency create: %w", err)
	}

	result, txErr := s.executeInternal(ctx, p)

	if txErr != nil {
		record.Status = idempotency.StatusFailed
		record.Error = txErr.Error()
	} else {
		record.Status = idempotency.StatusSubmitted
		record.TxHash = result.TransactionHash
		record.Nonce = result.Nonce
	}

	// Best effort update - don't fail the transaction if update fails
	if err := store.Update(ctx, record); err != nil {
		logger.WithFields(logger.Fields{
			"idempotency_key": p.IdempotencyKey,
			"error":           err,
		}).Warn("couldn't update idempotency record")
	}
	return result, txErr
}

func replayIdempotent(key string, record *idempotency.Record) (SubmitResult, error) {
	if record == nil {
		return SubmitResult{}, ErrDuplicateRequest
	}
	switch record.Status {
	case idempotency.StatusSubmitted:
		return SubmitResult{TransactionHash: record.TxHash, Nonce: record.Nonce}, nil
	case idempotency.StatusFailed:
		return SubmitResult{}, fmt.Errorf("request with idempotency key %q failed earlier: %s", key, record.Error)
	default:
		return SubmitResult{}, ErrDuplicateRequest
	}
}
