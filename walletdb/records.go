// Copyright 2026 The Coinward Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package walletdb defines every record the wallet persists and the typed
// accessors over the key-value store.
//
// All records are stored as JSON. Accessors decode into the concrete record
// types and fail loudly on malformed data; nothing downstream ever sees a
// raw []byte.
package walletdb

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/coinward/coinward/amount"
	"github.com/coinward/coinward/retry"
)

// ErrorDetail is the persisted form of a failed operation: a numeric code
// from the shared error taxonomy plus human-readable context. It is attached
// to the entity that failed so clients can render it.
type ErrorDetail struct {
	Code    int             `json:"code"`
	Hint    string          `json:"hint,omitempty"`
	Message string          `json:"message,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Exchange is the wallet's view of one exchange, keyed by base URL.
type Exchange struct {
	BaseURL   string `json:"baseUrl"`
	Currency  string `json:"currency"`
	MasterPub string `json:"masterPub"`
	// ProtocolVersion is the version string from the last /keys response.
	// Some error answers are interpreted differently depending on it.
	ProtocolVersion string `json:"protocolVersion"`
	// WireFee is the exchange's fee per wire transfer, amortized across
	// payments when charged to the customer.
	WireFee        amount.Amount `json:"wireFee"`
	LastKeysUpdate time.Time     `json:"lastKeysUpdate"`
}

// DenomVerification tracks whether a denomination's issuer signature has
// been checked against the exchange master key.
type DenomVerification string

const (
	DenomUnverified DenomVerification = "unverified"
	DenomGood       DenomVerification = "good"
	DenomBad        DenomVerification = "bad"
)

// Denomination is one coin denomination offered by an exchange, keyed by
// (exchange base URL, denomination public key hash).
type Denomination struct {
	ExchangeBaseURL string `json:"exchangeBaseUrl"`
	DenomPubHash    string `json:"denomPubHash"`
	DenomPub        []byte `json:"denomPub"`

	Value       amount.Amount `json:"value"`
	FeeWithdraw amount.Amount `json:"feeWithdraw"`
	FeeDeposit  amount.Amount `json:"feeDeposit"`
	FeeRefresh  amount.Amount `json:"feeRefresh"`
	FeeRefund   amount.Amount `json:"feeRefund"`

	StampStart          time.Time `json:"stampStart"`
	StampExpireWithdraw time.Time `json:"stampExpireWithdraw"`
	StampExpireDeposit  time.Time `json:"stampExpireDeposit"`
	StampExpireLegal    time.Time `json:"stampExpireLegal"`

	MasterSig []byte `json:"masterSig"`

	// IsOffered is false once the exchange stops listing the denomination.
	// Unoffered denominations are not withdrawable but existing coins stay
	// spendable.
	IsOffered bool `json:"isOffered"`
	// IsRevoked marks denominations the exchange has revoked; coins of a
	// revoked denomination must go through recoup.
	IsRevoked bool `json:"isRevoked"`

	Verification DenomVerification `json:"verification"`
}

// CoinStatus is the lifecycle state of a coin.
type CoinStatus string

const (
	// CoinFresh coins are available for spending or melting.
	CoinFresh CoinStatus = "fresh"
	// CoinDormant coins carry no spendable value and are kept only for
	// audit and recoup linkage.
	CoinDormant CoinStatus = "dormant"
)

// CoinSourceType discriminates how a coin came into the wallet.
type CoinSourceType string

const (
	CoinSourceWithdraw CoinSourceType = "withdraw"
	CoinSourceRefresh  CoinSourceType = "refresh"
	CoinSourceTip      CoinSourceType = "tip"
)

// CoinSource records the provenance of a coin. Exactly the fields for the
// given Type are set; Validate enforces this when records are loaded.
type CoinSource struct {
	Type CoinSourceType `json:"type"`

	// Withdraw provenance.
	ReservePub        string `json:"reservePub,omitempty"`
	WithdrawalGroupID string `json:"withdrawalGroupId,omitempty"`
	CoinIndex         int    `json:"coinIndex,omitempty"`

	// Refresh provenance.
	OldCoinPub string `json:"oldCoinPub,omitempty"`

	// Tip provenance.
	WalletTipID string `json:"walletTipId,omitempty"`
}

// Coin is a single e-cash coin, keyed by its public key.
type Coin struct {
	CoinPub         string `json:"coinPub"`
	CoinPriv        []byte `json:"coinPriv"`
	ExchangeBaseURL string `json:"exchangeBaseUrl"`
	DenomPubHash    string `json:"denomPubHash"`
	DenomSig        []byte `json:"denomSig"`

	// CurrentAmount is the residual unspent value. It only ever decreases
	// and never exceeds the denomination value.
	CurrentAmount amount.Amount `json:"currentAmount"`

	Status CoinStatus `json:"status"`
	Source CoinSource `json:"source"`

	// Suspended coins are excluded from payment coin selection but still
	// participate in refresh and recoup.
	Suspended bool `json:"suspended"`
}

// ReserveStatus is the lifecycle state of a reserve.
type ReserveStatus string

const (
	// ReserveRegistering: the reserve key pair exists locally but has not
	// been registered with the bank yet.
	ReserveRegistering ReserveStatus = "registering"
	// ReserveWaitConfirmBank: registered, waiting for the user to confirm
	// the wire transfer at the bank.
	ReserveWaitConfirmBank ReserveStatus = "wait-confirm-bank"
	// ReserveQueryingStatus: polling the exchange for incoming funds.
	ReserveQueryingStatus ReserveStatus = "querying-status"
	// ReserveDormant: all known funds have been withdrawn.
	ReserveDormant ReserveStatus = "dormant"
	// ReserveBankAborted: the bank reported the withdrawal operation as
	// aborted before confirmation.
	ReserveBankAborted ReserveStatus = "bank-aborted"
)

// DenomSelItem is one (denomination, count) entry in a withdrawal plan.
type DenomSelItem struct {
	DenomPubHash string `json:"denomPubHash"`
	Count        int    `json:"count"`
}

// DenomSelection is a withdrawal plan: which denominations to withdraw,
// how often, and the totals implied by that choice.
type DenomSelection struct {
	Selected          []DenomSelItem `json:"selectedDenoms"`
	TotalCoinValue    amount.Amount  `json:"totalCoinValue"`
	TotalWithdrawCost amount.Amount  `json:"totalWithdrawCost"`
}

// Reserve tracks funds promised to the wallet, keyed by the reserve public
// key.
type Reserve struct {
	ReservePub      string `json:"reservePub"`
	ReservePriv     []byte `json:"reservePriv"`
	ExchangeBaseURL string `json:"exchangeBaseUrl"`
	Currency        string `json:"currency"`

	// InstructedAmount is what the user asked to withdraw; the amount the
	// exchange eventually reports may differ.
	InstructedAmount amount.Amount `json:"instructedAmount"`

	Status           ReserveStatus `json:"status"`
	TimestampCreated time.Time     `json:"timestampCreated"`

	// BankWithdrawStatusURL is set for bank-integrated withdrawals and
	// polled until the transfer is confirmed or aborted.
	BankWithdrawStatusURL string `json:"bankWithdrawStatusUrl,omitempty"`
	BankConfirmURL        string `json:"bankConfirmUrl,omitempty"`

	// InitialWithdrawalGroupID pre-allocates the withdrawal group created
	// when funds arrive, so a crash between funding and group creation
	// cannot duplicate coins.
	InitialWithdrawalGroupID string         `json:"initialWithdrawalGroupId"`
	InitialDenomSel          DenomSelection `json:"initialDenomSel"`
	InitialWithdrawalStarted bool           `json:"initialWithdrawalStarted"`

	// RequestedQuery forces a status query even when the reserve is
	// dormant, e.g. after a recoup credited it.
	RequestedQuery bool `json:"requestedQuery,omitempty"`

	Retry     retry.Info   `json:"retryInfo"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}

// WithdrawalGroup is one batch of planchets being withdrawn against a
// funded reserve, keyed by its id.
type WithdrawalGroup struct {
	ID              string `json:"withdrawalGroupId"`
	ReservePub      string `json:"reservePub"`
	ExchangeBaseURL string `json:"exchangeBaseUrl"`

	// SecretSeed deterministically derives every planchet in the group, so
	// an interrupted withdrawal resumes with identical blinded messages.
	SecretSeed []byte `json:"secretSeed"`

	DenomSel            DenomSelection `json:"denomSel"`
	RawWithdrawalAmount amount.Amount  `json:"rawWithdrawalAmount"`

	// CoinDone[i] is true once planchet i has been signed by the exchange
	// and stored as a coin.
	CoinDone []bool `json:"coinDone"`
	// CoinFailed[i] is true for planchets the exchange permanently
	// rejected; they count as processed but yield no coin.
	CoinFailed []bool `json:"coinFailed"`

	TimestampStart    time.Time  `json:"timestampStart"`
	TimestampFinished *time.Time `json:"timestampFinished,omitempty"`

	Retry     retry.Info   `json:"retryInfo"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}

// RefreshReason records why a refresh group was created.
type RefreshReason string

const (
	RefreshReasonManual    RefreshReason = "manual"
	RefreshReasonPay       RefreshReason = "pay"
	RefreshReasonRefund    RefreshReason = "refund"
	RefreshReasonAbortPay  RefreshReason = "abort-pay"
	RefreshReasonRecoup    RefreshReason = "recoup"
	RefreshReasonScheduled RefreshReason = "scheduled"
)

// RefreshCoinStatus is the per-coin state inside a refresh group.
type RefreshCoinStatus string

const (
	RefreshPending RefreshCoinStatus = "pending"
	// RefreshFinished coins have completed melt and reveal, or had a
	// residual value too small to refresh (written off as dust).
	RefreshFinished RefreshCoinStatus = "finished"
	// RefreshFrozen coins hit a permanent failure; their value is lost
	// unless an operator intervenes.
	RefreshFrozen RefreshCoinStatus = "frozen"
)

// RefreshSession is the crash-resumable state of one coin's melt/reveal
// round. All fresh-coin key material derives from SessionSecretSeed.
type RefreshSession struct {
	SessionSecretSeed []byte         `json:"sessionSecretSeed"`
	NewDenoms         []DenomSelItem `json:"newDenoms"`
	AmountOutput      amount.Amount  `json:"amountRefreshOutput"`

	// NorevealIndex is set once the melt request succeeded; the planchets
	// at this index become real coins, all others are revealed.
	NorevealIndex *int `json:"norevealIndex,omitempty"`
}

// RefreshGroup melts a set of coins into unlinkable fresh ones, keyed by
// its id. Parallel slices are indexed by position in OldCoinPubs.
type RefreshGroup struct {
	ID     string        `json:"refreshGroupId"`
	Reason RefreshReason `json:"reason"`

	OldCoinPubs            []string            `json:"oldCoinPubs"`
	InputPerCoin           []amount.Amount     `json:"inputPerCoin"`
	EstimatedOutputPerCoin []amount.Amount     `json:"estimatedOutputPerCoin"`
	StatusPerCoin          []RefreshCoinStatus `json:"statusPerCoin"`
	SessionPerCoin         []*RefreshSession   `json:"refreshSessionPerCoin"`

	TimestampCreated  time.Time  `json:"timestampCreated"`
	TimestampFinished *time.Time `json:"timestampFinished,omitempty"`

	Retry     retry.Info   `json:"retryInfo"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}

// Frozen reports whether any coin in the group is permanently stuck.
func (g *RefreshGroup) Frozen() bool {
	for _, s := range g.StatusPerCoin {
		if s == RefreshFrozen {
			return true
		}
	}
	return false
}

// Finished reports whether every coin has reached a terminal state with
// none frozen.
func (g *RefreshGroup) Finished() bool {
	for _, s := range g.StatusPerCoin {
		if s != RefreshFinished {
			return false
		}
	}
	return true
}

// ProposalStatus is the lifecycle state of a merchant order proposal.
type ProposalStatus string

const (
	// ProposalDownloading: contract terms are being fetched from the
	// merchant.
	ProposalDownloading ProposalStatus = "downloading"
	// ProposalProposed: contract terms downloaded, awaiting user decision.
	ProposalProposed ProposalStatus = "proposed"
	// ProposalAccepted: the user accepted and a purchase record exists.
	ProposalAccepted ProposalStatus = "accepted"
	// ProposalRefused: the user declined the offer.
	ProposalRefused ProposalStatus = "refused"
	// ProposalRepurchase: an earlier purchase for the same fulfillment URL
	// exists; RepurchaseProposalID points at it.
	ProposalRepurchase ProposalStatus = "repurchase"
	// ProposalPermanentlyFailed: the download failed for good, e.g. the
	// order was claimed by another wallet.
	ProposalPermanentlyFailed ProposalStatus = "permanently-failed"
)

// ContractData is the wallet-relevant subset of the merchant's contract
// terms, extracted by fail-closed parsing at download time.
type ContractData struct {
	ContractTermsHash string        `json:"contractTermsHash"`
	MerchantPub       string        `json:"merchantPub"`
	MerchantBaseURL   string        `json:"merchantBaseUrl"`
	OrderID           string        `json:"orderId"`
	Summary           string        `json:"summary"`
	FulfillmentURL    string        `json:"fulfillmentUrl,omitempty"`
	Amount            amount.Amount `json:"amount"`
	MaxWireFee        amount.Amount `json:"maxWireFee"`
	MaxDepositFee     amount.Amount `json:"maxDepositFee"`
	// WireFeeAmortization divides the wire fee across expected future
	// payments when charging it to the customer.
	WireFeeAmortization int        `json:"wireFeeAmortization"`
	WireMethod          string     `json:"wireMethod"`
	PayDeadline         time.Time  `json:"payDeadline"`
	RefundDeadline      time.Time  `json:"refundDeadline"`
	// AutoRefund, when set, tells the wallet to keep polling for refunds
	// until the deadline passes.
	AutoRefund *time.Time `json:"autoRefund,omitempty"`
	// AllowedExchanges restricts which exchanges' coins the merchant
	// accepts; empty means any exchange with an allowed auditor.
	AllowedExchanges []string `json:"allowedExchanges,omitempty"`
}

// Proposal is a merchant order the wallet has started to claim, keyed by
// its proposal id.
type Proposal struct {
	ProposalID      string `json:"proposalId"`
	MerchantBaseURL string `json:"merchantBaseUrl"`
	OrderID         string `json:"orderId"`

	// ClaimToken authorizes claiming the order; empty for orders claimable
	// by nonce alone.
	ClaimToken string `json:"claimToken,omitempty"`
	// DownloadSessionID is the session the contract was downloaded under,
	// used for session-bound fulfillment.
	DownloadSessionID string `json:"downloadSessionId,omitempty"`

	// NoncePriv is the wallet's claim key; its public part is embedded in
	// the contract terms by the merchant.
	NoncePriv []byte `json:"noncePriv"`
	NoncePub  string `json:"noncePub"`

	Status ProposalStatus `json:"status"`

	// ContractTermsRaw is the exact JSON the merchant served; the hash in
	// ContractData is computed over this, so it is kept verbatim.
	ContractTermsRaw json.RawMessage `json:"contractTermsRaw,omitempty"`
	ContractData     *ContractData   `json:"contractData,omitempty"`

	// RepurchaseProposalID points at the earlier proposal when Status is
	// ProposalRepurchase.
	RepurchaseProposalID string `json:"repurchaseProposalId,omitempty"`

	TimestampCreated time.Time `json:"timestampCreated"`

	Retry     retry.Info   `json:"retryInfo"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}

// PayCoinSelection records which coins pay for a purchase and how much each
// contributes. It is immutable once the first pay attempt is made, except
// for repair after coin loss.
type PayCoinSelection struct {
	PaymentAmount       amount.Amount   `json:"paymentAmount"`
	CoinPubs            []string        `json:"coinPubs"`
	CoinContributions   []amount.Amount `json:"coinContributions"`
	CustomerWireFees    amount.Amount   `json:"customerWireFees"`
	CustomerDepositFees amount.Amount   `json:"customerDepositFees"`
}

// AbortStatus tracks a user-initiated abort of a partially paid purchase.
type AbortStatus string

const (
	AbortNone AbortStatus = "none"
	// AbortRefund: the wallet is asking the merchant to refund the partial
	// payment.
	AbortRefund AbortStatus = "abort-refund"
	// AbortFinished: all abort refunds have been obtained or written off.
	AbortFinished AbortStatus = "abort-finished"
)

// RefundState is the lifecycle of one refund item.
type RefundState string

const (
	RefundPending RefundState = "pending"
	RefundApplied RefundState = "applied"
	RefundFailed  RefundState = "failed"
)

// RefundItem is one refund granted by the merchant for one coin, keyed
// within a purchase by coin public key and merchant refund transaction id.
type RefundItem struct {
	State          RefundState   `json:"state"`
	CoinPub        string        `json:"coinPub"`
	RTransactionID uint64        `json:"rtransactionId"`
	RefundAmount   amount.Amount `json:"refundAmount"`
	RefundFee      amount.Amount `json:"refundFee"`
	// TotalRefreshCostBound estimates the refresh cost of applying this
	// refund, captured when the refund was obtained so balance math stays
	// stable.
	TotalRefreshCostBound amount.Amount `json:"totalRefreshCostBound"`
	ObtainedAt            time.Time     `json:"obtainedTime"`
	ExecutionTime         time.Time     `json:"executionTime"`
}

// RefundKey builds the map key for a refund item.
func RefundKey(coinPub string, rtransactionID uint64) string {
	return coinPub + "-" + strconv.FormatUint(rtransactionID, 10)
}

// Purchase is an accepted proposal being paid, keyed by the proposal id.
type Purchase struct {
	ProposalID string `json:"proposalId"`

	ContractTermsRaw json.RawMessage `json:"contractTermsRaw"`
	ContractData     ContractData    `json:"contractData"`

	PayCoinSelection PayCoinSelection `json:"payCoinSelection"`
	// CoinDepositPermissions caches the signed deposit permissions so
	// replays after success need no private keys.
	CoinDepositPermissions []json.RawMessage `json:"coinDepositPermissions,omitempty"`

	TimestampAccepted          time.Time  `json:"timestampAccept"`
	TimestampFirstSuccessfulPay *time.Time `json:"timestampFirstSuccessfulPay,omitempty"`

	// MerchantPaySig is the merchant's receipt from the first successful
	// pay; replayed to /paid for new sessions.
	MerchantPaySig string `json:"merchantPaySig,omitempty"`
	// LastSessionID is the session the purchase was last (re)played under.
	LastSessionID string `json:"lastSessionId,omitempty"`

	// AutoRefundDeadline mirrors ContractData.AutoRefund; refund queries
	// repeat until it passes.
	AutoRefundDeadline *time.Time `json:"autoRefundDeadline,omitempty"`
	// RefundQueryRequested is set when the user asks for a refund check.
	RefundQueryRequested bool `json:"refundQueryRequested,omitempty"`

	// Refunds is keyed by RefundKey.
	Refunds map[string]RefundItem `json:"refunds"`

	AbortStatus AbortStatus `json:"abortStatus"`

	PayFrozen bool `json:"payFrozen,omitempty"`

	PayRetry        retry.Info   `json:"payRetryInfo"`
	LastPayError    *ErrorDetail `json:"lastPayError,omitempty"`
	RefundRetry     retry.Info   `json:"refundStatusRetryInfo"`
	LastRefundError *ErrorDetail `json:"lastRefundStatusError,omitempty"`
}

// RecoupGroup recovers value from coins of revoked denominations, keyed by
// its id. Parallel slices are indexed by position in CoinPubs.
type RecoupGroup struct {
	ID              string `json:"recoupGroupId"`
	ExchangeBaseURL string `json:"exchangeBaseUrl"`

	CoinPubs []string `json:"coinPubs"`
	// OldAmountPerCoin snapshots each coin's residual value before it was
	// zeroed, so the recoup request knows what to claim.
	OldAmountPerCoin []amount.Amount `json:"oldAmountPerCoin"`
	FinishedPerCoin  []bool          `json:"recoupFinishedPerCoin"`

	// ScheduleRefreshCoins collects coins that must be refreshed once the
	// whole group is done, e.g. ancestors credited by refresh-coin recoup.
	ScheduleRefreshCoins []string `json:"scheduleRefreshCoins,omitempty"`

	TimestampStarted  time.Time  `json:"timestampStarted"`
	TimestampFinished *time.Time `json:"timestampFinished,omitempty"`

	Retry     retry.Info   `json:"retryInfo"`
	LastError *ErrorDetail `json:"lastError,omitempty"`
}
