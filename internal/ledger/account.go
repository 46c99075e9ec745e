package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// Market sub-types
	SubTypeMarketCollateral

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
		"USDT": 2,
		"DSU":  3,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
		2: "USDT",
		3: "DSU",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// marketNamespace derives stable entity IDs for market pool accounts.
var marketNamespace = uuid.MustParse("5b0c1f0e-6c1d-4f4b-9d7e-3b1d2c6a9e10")

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // account UUID for users, name-derived UUID for markets
	SubType  AccountSubType
	AssetID  AssetID
	name     string // market name, for paths only
}

// NewUserAccountKey creates a key for a holder's wallet
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewMarketAccountKey creates a key for a market's collateral pool
func NewMarketAccountKey(market string, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: uuid.NewSHA1(marketNamespace, []byte(market)),
		SubType:  subType,
		AssetID:  assetID,
		name:     market,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%s:%s:%s", k.name, k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeMarketCollateral:
		return "collateral"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

func parseSubType(name string) (AccountSubType, bool) {
	switch name {
	case "wallet":
		return SubTypeWallet, true
	case "collateral":
		return SubTypeMarketCollateral, true
	case "deposits":
		return SubTypeExternalDeposits, true
	case "withdrawals":
		return SubTypeExternalWithdrawals, true
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	bad := fmt.Errorf("invalid account path %q", path)

	asset, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, bad
	}

	switch {
	case parts[0] == "user" && len(parts) == 4:
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, bad
		}
		st, ok := parseSubType(parts[2])
		if !ok || st != SubTypeWallet {
			return AccountKey{}, bad
		}
		return NewUserAccountKey(id, st, asset), nil

	case parts[0] == "market" && len(parts) == 4:
		st, ok := parseSubType(parts[2])
		if !ok || st != SubTypeMarketCollateral || parts[1] == "" {
			return AccountKey{}, bad
		}
		return NewMarketAccountKey(parts[1], st, asset), nil

	case parts[0] == "external" && len(parts) == 3:
		st, ok := parseSubType(parts[1])
		if !ok || (st != SubTypeExternalDeposits && st != SubTypeExternalWithdrawals) {
			return AccountKey{}, bad
		}
		return NewExternalAccountKey(st, asset), nil
	}
	return AccountKey{}, bad
}
