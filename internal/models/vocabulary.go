package models

import "strings"

// Category is the validated opportunity type. Unknown raw values resolve to CategoryOther.
type Category string

const (
	CategoryGrant      Category = "Grant"
	CategoryHackathon  Category = "Hackathon"
	CategoryBounty     Category = "Bounty"
	CategoryAirdrop    Category = "Airdrop"
	CategoryTestnet    Category = "Testnet"
	CategoryFellowship Category = "Fellowship"
	CategoryAmbassador Category = "Ambassador"
	CategoryOther      Category = "Other"
)

var Categories = []Category{
	CategoryGrant, CategoryHackathon, CategoryBounty, CategoryAirdrop,
	CategoryTestnet, CategoryFellowship, CategoryAmbassador, CategoryOther,
}

// Chain is the validated ecosystem tag. Unknown raw values resolve to ChainOther.
type Chain string

const (
	ChainEthereum   Chain = "Ethereum"
	ChainSolana     Chain = "Solana"
	ChainArbitrum   Chain = "Arbitrum"
	ChainOptimism   Chain = "Optimism"
	ChainBase       Chain = "Base"
	ChainPolygon    Chain = "Polygon"
	ChainAvalanche  Chain = "Avalanche"
	ChainBNB        Chain = "BNB Chain"
	ChainSui        Chain = "Sui"
	ChainAptos      Chain = "Aptos"
	ChainStarknet   Chain = "Starknet"
	ChainZkSync     Chain = "zkSync"
	ChainCosmos     Chain = "Cosmos"
	ChainNear       Chain = "Near"
	ChainPolkadot   Chain = "Polkadot"
	ChainBitcoin    Chain = "Bitcoin"
	ChainMultichain Chain = "Multi-chain"
	ChainOther      Chain = "Other"
)

var Chains = []Chain{
	ChainEthereum, ChainSolana, ChainArbitrum, ChainOptimism, ChainBase, ChainPolygon,
	ChainAvalanche, ChainBNB, ChainSui, ChainAptos, ChainStarknet, ChainZkSync,
	ChainCosmos, ChainNear, ChainPolkadot, ChainBitcoin, ChainMultichain, ChainOther,
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// ParseRiskLevel accepts any casing and reports whether the value is known.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch RiskLevel(strings.ToUpper(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, true
	case RiskMedium:
		return RiskMedium, true
	case RiskHigh:
		return RiskHigh, true
	}
	return "", false
}

// RiskLevelForTrust buckets a 0-100 trust score.
func RiskLevelForTrust(trust int) RiskLevel {
	switch {
	case trust >= 70:
		return RiskLow
	case trust >= 40:
		return RiskMedium
	default:
		return RiskHigh
	}
}
