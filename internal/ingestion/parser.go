package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"PerpSettle/internal/core"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"

	"github.com/google/uuid"
)

// Kind is the type of an inbound message, taken from its subject.
type Kind string

const (
	KindOracle    Kind = "oracle"
	KindParams    Kind = "params"
	KindProtocol  Kind = "protocol"
	KindUpdate    Kind = "update"
	KindSettle    Kind = "settle"
	KindLiquidate Kind = "liquidate"
	KindClaim     Kind = "claim"
	KindDeposit   Kind = "deposit"
	KindWithdraw  Kind = "withdraw"
)

var (
	ErrUnknownSubject = errors.New("unknown subject")
	ErrMalformed      = errors.New("malformed message")
)

// Command is a decoded inbound message.
type Command interface {
	Kind() Kind
	// Key is the idempotency key; empty when the message dedups by content.
	Key() string
}

type OracleUpdate struct {
	Market  string
	Version oracle.Version
}

type ParamsUpdate struct {
	IdempotencyKey string
	Market         string
	Parameter      state.MarketParameter
}

type ProtocolUpdate struct {
	IdempotencyKey string
	Parameter      state.ProtocolParameter
}

type UpdateCommand struct {
	IdempotencyKey string
	Market         string
	Account        uuid.UUID
	Request        core.UpdateRequest
}

type SettleCommand struct {
	IdempotencyKey string
	Market         string
	Account        uuid.UUID
}

type LiquidateCommand struct {
	IdempotencyKey string
	Market         string
	Account        uuid.UUID
	Liquidator     uuid.UUID
}

type ClaimCommand struct {
	IdempotencyKey string
	Market         string
	FeeKind        state.FeeKind
	Recipient      uuid.UUID
}

// WalletCommand moves funds between the outside world and a wallet.
type WalletCommand struct {
	IdempotencyKey string
	Account        uuid.UUID
	Amount         fpmath.UFixed18
	Withdraw       bool
}

func (OracleUpdate) Kind() Kind     { return KindOracle }
func (ParamsUpdate) Kind() Kind     { return KindParams }
func (ProtocolUpdate) Kind() Kind   { return KindProtocol }
func (UpdateCommand) Kind() Kind    { return KindUpdate }
func (SettleCommand) Kind() Kind    { return KindSettle }
func (LiquidateCommand) Kind() Kind { return KindLiquidate }
func (ClaimCommand) Kind() Kind     { return KindClaim }
func (c WalletCommand) Kind() Kind {
	if c.Withdraw {
		return KindWithdraw
	}
	return KindDeposit
}

func (OracleUpdate) Key() string       { return "" }
func (c ParamsUpdate) Key() string     { return c.IdempotencyKey }
func (c ProtocolUpdate) Key() string   { return c.IdempotencyKey }
func (c UpdateCommand) Key() string    { return c.IdempotencyKey }
func (c SettleCommand) Key() string    { return c.IdempotencyKey }
func (c LiquidateCommand) Key() string { return c.IdempotencyKey }
func (c ClaimCommand) Key() string     { return c.IdempotencyKey }
func (c WalletCommand) Key() string    { return c.IdempotencyKey }

// ResolveSubject maps an inbound subject to its kind and market. Wallet and
// protocol subjects carry no market.
func ResolveSubject(subject string) (kind Kind, market string, err error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 2 || tokens[0] != "perpsettle" {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
	}

	switch {
	case len(tokens) == 3 && tokens[1] == "oracle":
		return KindOracle, tokens[2], nil
	case len(tokens) == 3 && tokens[1] == "params":
		return KindParams, tokens[2], nil
	case len(tokens) == 2 && tokens[1] == "protocol":
		return KindProtocol, "", nil
	case len(tokens) == 4 && tokens[1] == "commands":
		switch k := Kind(tokens[2]); k {
		case KindUpdate, KindSettle, KindLiquidate, KindClaim:
			return k, tokens[3], nil
		}
	case len(tokens) == 3 && tokens[1] == "wallets":
		switch k := Kind(tokens[2]); k {
		case KindDeposit, KindWithdraw:
			return k, "", nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
}

// ParseRawEvent decodes a message using its subject.
func ParseRawEvent(raw RawEvent) (Command, error) {
	kind, market, err := ResolveSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return Parse(kind, market, raw.Data)
}

// --- JSON wire formats ---
// Amounts are decimal strings; identifiers are UUID strings.

type paramsJSON struct {
	IdempotencyKey string                `json:"idempotency_key"`
	Parameter      state.MarketParameter `json:"parameter"`
}

type protocolJSON struct {
	IdempotencyKey string                  `json:"idempotency_key"`
	Parameter      state.ProtocolParameter `json:"parameter"`
}

type updateJSON struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Account        string          `json:"account"`
	Maker          fpmath.UFixed18 `json:"maker"`
	Taker          fpmath.UFixed18 `json:"taker"`
	Collateral     fpmath.Fixed18  `json:"collateral"`
}

type accountJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Account        string `json:"account"`
	Liquidator     string `json:"liquidator,omitempty"`
}

type claimJSON struct {
	IdempotencyKey string `json:"idempotency_key"`
	Kind           string `json:"kind"`
	Recipient      string `json:"recipient"`
}

type walletJSON struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Account        string          `json:"account"`
	Amount         fpmath.UFixed18 `json:"amount"`
}

// Parse decodes the payload of a message of the given kind. Commands that
// move funds or positions must carry an idempotency key.
func Parse(kind Kind, market string, data []byte) (Command, error) {
	cmd, err := parse(kind, market, data)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindUpdate, KindLiquidate, KindClaim, KindDeposit, KindWithdraw:
		if cmd.Key() == "" {
			return nil, fmt.Errorf("%w: %s requires idempotency_key", ErrMalformed, kind)
		}
	}
	return cmd, nil
}

func parse(kind Kind, market string, data []byte) (cmd Command, err error) {
	// amounts out of the fixed-point range panic while decoding
	defer fpmath.Recover(&err)

	switch kind {
	case KindOracle:
		var v oracle.Version
		if err := decode(kind, data, &v); err != nil {
			return nil, err
		}
		if v.Version == 0 {
			return nil, fmt.Errorf("%w: %s: version 0 is reserved", ErrMalformed, kind)
		}
		return OracleUpdate{Market: market, Version: v}, nil

	case KindParams:
		var j paramsJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		return ParamsUpdate{IdempotencyKey: j.IdempotencyKey, Market: market, Parameter: j.Parameter}, nil

	case KindProtocol:
		var j protocolJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		return ProtocolUpdate{IdempotencyKey: j.IdempotencyKey, Parameter: j.Parameter}, nil

	case KindUpdate:
		var j updateJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		account, err := parseID("account", j.Account)
		if err != nil {
			return nil, err
		}
		return UpdateCommand{
			IdempotencyKey: j.IdempotencyKey,
			Market:         market,
			Account:        account,
			Request:        core.UpdateRequest{Maker: j.Maker, Taker: j.Taker, Collateral: j.Collateral},
		}, nil

	case KindSettle, KindLiquidate:
		var j accountJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		account, err := parseID("account", j.Account)
		if err != nil {
			return nil, err
		}
		if kind == KindSettle {
			return SettleCommand{IdempotencyKey: j.IdempotencyKey, Market: market, Account: account}, nil
		}
		liquidator, err := parseID("liquidator", j.Liquidator)
		if err != nil {
			return nil, err
		}
		return LiquidateCommand{
			IdempotencyKey: j.IdempotencyKey,
			Market:         market,
			Account:        account,
			Liquidator:     liquidator,
		}, nil

	case KindClaim:
		var j claimJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		feeKind, err := state.ParseFeeKind(j.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		recipient, err := parseID("recipient", j.Recipient)
		if err != nil {
			return nil, err
		}
		return ClaimCommand{
			IdempotencyKey: j.IdempotencyKey,
			Market:         market,
			FeeKind:        feeKind,
			Recipient:      recipient,
		}, nil

	case KindDeposit, KindWithdraw:
		var j walletJSON
		if err := decode(kind, data, &j); err != nil {
			return nil, err
		}
		account, err := parseID("account", j.Account)
		if err != nil {
			return nil, err
		}
		if j.Amount.IsZero() {
			return nil, fmt.Errorf("%w: %s amount must be positive", ErrMalformed, kind)
		}
		return WalletCommand{
			IdempotencyKey: j.IdempotencyKey,
			Account:        account,
			Amount:         j.Amount,
			Withdraw:       kind == KindWithdraw,
		}, nil

	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownSubject, kind)
	}
}

func decode(kind Kind, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return nil
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: parse %s: %v", ErrMalformed, field, err)
	}
	return id, nil
}
