// Package deriv defines the JSON wire protocol spoken over the Deriv
// WebSocket API.
//
// The protocol is a single persistent bidirectional connection carrying
// unordered JSON messages. Outbound requests are plain structs marshalled
// with goccy/go-json; inbound messages are distinguished by which top-level
// key is present (authorize, balance, history, tick, proposal, buy,
// proposal_open_contract, error). There is no request identifier on the
// wire, so response correlation is done by message shape.
package deriv

import (
	json "github.com/goccy/go-json"
)

// Outbound request shapes.

// AuthorizeRequest authorizes the session with an account API token.
type AuthorizeRequest struct {
	Authorize string `json:"authorize"`
}

// BalanceRequest subscribes to balance updates for the authorized account.
type BalanceRequest struct {
	Balance   int `json:"balance"`
	Subscribe int `json:"subscribe"`
}

// TicksRequest subscribes to the live tick stream of one symbol.
type TicksRequest struct {
	Ticks     string `json:"ticks"`
	Subscribe int    `json:"subscribe"`
}

// TicksHistoryRequest fetches the most recent ticks for one symbol.
type TicksHistoryRequest struct {
	TicksHistory string `json:"ticks_history"`
	Count        int    `json:"count"`
	End          string `json:"end"`
	Style        string `json:"style"`
}

// ProposalRequest asks for a priced quote for a specific contract.
//
// Barrier carries the target digit for digit-comparison contract types and
// is omitted entirely for even/odd contracts.
type ProposalRequest struct {
	Proposal     int    `json:"proposal"`
	Amount       string `json:"amount"`
	Basis        string `json:"basis"`
	ContractType string `json:"contract_type"`
	Currency     string `json:"currency"`
	Duration     int    `json:"duration"`
	DurationUnit string `json:"duration_unit"`
	Symbol       string `json:"symbol"`
	Barrier      string `json:"barrier,omitempty"`
}

// BuyRequest purchases a previously quoted proposal at the given price.
type BuyRequest struct {
	Buy   string `json:"buy"`
	Price string `json:"price"`
}

// OpenContractRequest subscribes to settlement updates for one contract.
type OpenContractRequest struct {
	ProposalOpenContract int    `json:"proposal_open_contract"`
	ContractID           string `json:"contract_id"`
	Subscribe            int    `json:"subscribe"`
}

// ForgetAllRequest cancels every active subscription of the given stream type.
type ForgetAllRequest struct {
	ForgetAll string `json:"forget_all"`
}

// TopUpVirtualRequest resets a demo account balance to its default amount.
type TopUpVirtualRequest struct {
	TopUpVirtual int `json:"topup_virtual"`
}

// Inbound payload shapes.

// AuthorizeResult is the payload of a successful authorization.
type AuthorizeResult struct {
	LoginID  string      `json:"loginid" validate:"required"`
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

// BalanceResult is a balance push for the authorized account.
type BalanceResult struct {
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

// HistoryResult carries the historical prices returned by a ticks_history
// request. Prices and Times are parallel arrays.
type HistoryResult struct {
	Prices []json.Number `json:"prices" validate:"required"`
	Times  []json.Number `json:"times"`
}

// TickResult is one live price update for a subscribed symbol.
type TickResult struct {
	Symbol string      `json:"symbol"`
	Quote  json.Number `json:"quote" validate:"required"`
	Epoch  int64       `json:"epoch"`
}

// ProposalResult is the priced quote for a requested contract.
type ProposalResult struct {
	ID           string      `json:"id" validate:"required"`
	AskPrice     json.Number `json:"ask_price"`
	DisplayValue json.Number `json:"display_value"`
	Payout       json.Number `json:"payout"`
}

// BuyResult confirms a purchase.
type BuyResult struct {
	ContractID json.Number `json:"contract_id" validate:"required"`
	BuyPrice   json.Number `json:"buy_price"`
	Payout     json.Number `json:"payout"`
}

// OpenContractResult is a settlement update for a tracked contract.
type OpenContractResult struct {
	ContractID json.Number `json:"contract_id"`
	IsSold     int         `json:"is_sold"`
	Status     string      `json:"status"`
	Profit     json.Number `json:"profit"`
	SellPrice  json.Number `json:"sell_price"`
}

// APIError is an exchange-reported business error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes the trading loop reacts to explicitly.
const (
	// ErrCodeContractCreationFailure is returned when a buy request is
	// rejected by the exchange.
	ErrCodeContractCreationFailure = "ContractCreationFailure"

	// ErrCodeAuthorizationRequired is returned when a request needs a
	// session that is not (or no longer) authorized.
	ErrCodeAuthorizationRequired = "AuthorizationRequired"

	// ErrCodeInvalidToken is returned when the supplied API token is not
	// accepted.
	ErrCodeInvalidToken = "InvalidToken"
)

// Message is the inbound envelope. Exactly the fields present in the raw
// JSON are non-nil, which is how dispatch predicates identify message shapes.
type Message struct {
	Authorize            *AuthorizeResult    `json:"authorize,omitempty"`
	Balance              *BalanceResult      `json:"balance,omitempty"`
	History              *HistoryResult      `json:"history,omitempty"`
	Tick                 *TickResult         `json:"tick,omitempty"`
	Proposal             *ProposalResult     `json:"proposal,omitempty"`
	Buy                  *BuyResult          `json:"buy,omitempty"`
	ProposalOpenContract *OpenContractResult `json:"proposal_open_contract,omitempty"`
	TopUpVirtual         json.RawMessage     `json:"topup_virtual,omitempty"`
	Error                *APIError           `json:"error,omitempty"`
}

// ParseMessage decodes one raw inbound frame into the Message envelope.
func ParseMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// IsAuthFailure reports whether the error terminates the session's
// authorization (invalid token or authorization required).
func (e *APIError) IsAuthFailure() bool {
	return e.Code == ErrCodeAuthorizationRequired || e.Code == ErrCodeInvalidToken
}
