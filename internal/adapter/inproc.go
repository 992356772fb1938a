package adapter

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Call operations understood by in-process venues.
const (
	OpSwap    = "swap"
	OpStake   = "stake"
	OpUnstake = "unstake"
)

// Payload is the JSON wire format for calls built by the in-process
// adapters. Venues decode it from CallData.Data.
type Payload struct {
	Op           string          `json:"op"`
	Owner        string          `json:"owner"` // basket whose funds move
	SendToken    string          `json:"send_token,omitempty"`
	ReceiveToken string          `json:"receive_token,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	MinReceive   decimal.Decimal `json:"min_receive,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

// SwapAdapter builds trade calls against one in-process swap venue. The
// venue address doubles as the approval spender: the venue pulls the send
// token through its allowance.
type SwapAdapter struct {
	Venue string
}

// NewSwapAdapter creates an adapter bound to a swap venue address.
func NewSwapAdapter(venue string) *SwapAdapter {
	return &SwapAdapter{Venue: venue}
}

func (a *SwapAdapter) Spender(string) string { return a.Venue }

func (a *SwapAdapter) BuildTradeCall(sendToken, receiveToken, basket string, sendAmount, minReceiveAmount decimal.Decimal, extra []byte) (CallData, error) {
	data, err := json.Marshal(Payload{
		Op:           OpSwap,
		Owner:        basket,
		SendToken:    sendToken,
		ReceiveToken: receiveToken,
		Amount:       sendAmount,
		MinReceive:   minReceiveAmount,
		Extra:        extra,
	})
	if err != nil {
		return CallData{}, err
	}
	return CallData{Target: a.Venue, Value: decimal.Zero, Data: data}, nil
}

func (a *SwapAdapter) BuildStakeCall(string, string, decimal.Decimal) (CallData, error) {
	return CallData{}, errUnsupportedOp
}

func (a *SwapAdapter) BuildUnstakeCall(string, string, decimal.Decimal) (CallData, error) {
	return CallData{}, errUnsupportedOp
}

// StakeAdapter builds stake/unstake calls against in-process staking
// venues. Each venue pulls deposits through its own allowance, so the
// spender is the venue itself.
type StakeAdapter struct {
	// Token is the component this adapter stakes.
	Token string
}

// NewStakeAdapter creates a staking adapter for one component token.
func NewStakeAdapter(token string) *StakeAdapter {
	return &StakeAdapter{Token: token}
}

func (a *StakeAdapter) Spender(venue string) string { return venue }

func (a *StakeAdapter) BuildTradeCall(string, string, string, decimal.Decimal, decimal.Decimal, []byte) (CallData, error) {
	return CallData{}, errUnsupportedOp
}

func (a *StakeAdapter) BuildStakeCall(venue, basket string, amount decimal.Decimal) (CallData, error) {
	return a.build(OpStake, venue, basket, amount)
}

func (a *StakeAdapter) BuildUnstakeCall(venue, basket string, amount decimal.Decimal) (CallData, error) {
	return a.build(OpUnstake, venue, basket, amount)
}

func (a *StakeAdapter) build(op, venue, basket string, amount decimal.Decimal) (CallData, error) {
	data, err := json.Marshal(Payload{
		Op:        op,
		Owner:     basket,
		SendToken: a.Token,
		Amount:    amount,
	})
	if err != nil {
		return CallData{}, err
	}
	return CallData{Target: venue, Value: decimal.Zero, Data: data}, nil
}
