package policy

import "encoding/json"

// Kind tags an Action on the wire.
type Kind string

const (
	KindHold      Kind = "hold"
	KindRepay     Kind = "repay"
	KindOptimize  Kind = "optimize"
	KindSupply    Kind = "supply"
	KindRebalance Kind = "rebalance"
	KindWithdraw  Kind = "withdraw"
)

// Action is the outcome of a policy decision. The set of implementations is
// closed.
type Action interface {
	Kind() Kind
	Reason() string
	isAction()
}

// Hold leaves the position untouched. Optional fields carry the metrics that
// were observed when they are meaningful.
type Hold struct {
	Why         string   `json:"reason"`
	CurrentLTV  *float64 `json:"currentLTV,omitempty"`
	YieldSpread *float64 `json:"yieldSpread,omitempty"`
	CurrentAPR  *float64 `json:"currentApr,omitempty"`
	BestAPR     *float64 `json:"bestApr,omitempty"`
}

// Repay pays down debt to bring LTV back under the maximum.
type Repay struct {
	RepayAmountUSD float64 `json:"repayAmountUsd"`
	Asset          string  `json:"asset"`
	Symbol         string  `json:"symbol"`
	CurrentLTV     float64 `json:"currentLTV"`
	MaxLTV         float64 `json:"maxLTV"`
	Why            string  `json:"reason"`
}

// Optimize borrows more up to the target LTV.
type Optimize struct {
	BorrowMoreUSD float64 `json:"borrowMoreUsd"`
	Asset         string  `json:"asset"`
	Symbol        string  `json:"symbol"`
	CurrentLTV    float64 `json:"currentLTV"`
	TargetLTV     float64 `json:"targetLTV"`
	YieldSpread   float64 `json:"yieldSpread"`
	Why           string  `json:"reason"`
}

// Supply deposits the wallet balance of an asset.
type Supply struct {
	Asset   string  `json:"asset"`
	Symbol  string  `json:"symbol"`
	BestAPR float64 `json:"bestApr"`
	Why     string  `json:"reason"`
}

// Rebalance moves a supplied position into a better paying asset.
type Rebalance struct {
	FromToken  string  `json:"fromToken"`
	FromSymbol string  `json:"fromSymbol"`
	ToToken    string  `json:"toToken"`
	ToSymbol   string  `json:"toSymbol"`
	CurrentAPR float64 `json:"currentApr"`
	BestAPR    float64 `json:"bestApr"`
	Why        string  `json:"reason"`
}

// Withdraw removes a supplied position entirely.
type Withdraw struct {
	Asset      string  `json:"asset"`
	Symbol     string  `json:"symbol"`
	CurrentAPR float64 `json:"currentApr"`
	Why        string  `json:"reason"`
}

func (Hold) Kind() Kind      { return KindHold }
func (Repay) Kind() Kind     { return KindRepay }
func (Optimize) Kind() Kind  { return KindOptimize }
func (Supply) Kind() Kind    { return KindSupply }
func (Rebalance) Kind() Kind { return KindRebalance }
func (Withdraw) Kind() Kind  { return KindWithdraw }

func (a Hold) Reason() string      { return a.Why }
func (a Repay) Reason() string     { return a.Why }
func (a Optimize) Reason() string  { return a.Why }
func (a Supply) Reason() string    { return a.Why }
func (a Rebalance) Reason() string { return a.Why }
func (a Withdraw) Reason() string  { return a.Why }

func (Hold) isAction()      {}
func (Repay) isAction()     {}
func (Optimize) isAction()  {}
func (Supply) isAction()    {}
func (Rebalance) isAction() {}
func (Withdraw) isAction()  {}

// MarshalJSON adds the kind tag.
func (a Hold) MarshalJSON() ([]byte, error) {
	type plain Hold
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// MarshalJSON adds the kind tag.
func (a Repay) MarshalJSON() ([]byte, error) {
	type plain Repay
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// MarshalJSON adds the kind tag.
func (a Optimize) MarshalJSON() ([]byte, error) {
	type plain Optimize
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// MarshalJSON adds the kind tag.
func (a Supply) MarshalJSON() ([]byte, error) {
	type plain Supply
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// MarshalJSON adds the kind tag.
func (a Rebalance) MarshalJSON() ([]byte, error) {
	type plain Rebalance
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// MarshalJSON adds the kind tag.
func (a Withdraw) MarshalJSON() ([]byte, error) {
	type plain Withdraw
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{a.Kind(), plain(a)})
}

// IsHold reports whether a is a Hold.
func IsHold(a Action) bool {
	return a == nil || a.Kind() == KindHold
}

func ptr(v float64) *float64 { return &v }
