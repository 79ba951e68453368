package ethereum

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	rayExponent      = -27
	baseUnitExponent = -8
	secondsPerYear   = 365 * 24 * 60 * 60
)

// rayToAPR converts an Aave ray rate into an annual percentage.
func rayToAPR(rate *big.Int) float64 {
	if rate == nil {
		return 0
	}
	return decimal.NewFromBigInt(rate, rayExponent).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// rayToAPY converts an Aave ray rate into a per-second compounded annual
// percentage yield.
func rayToAPY(rate *big.Int) float64 {
	if rate == nil || rate.Sign() == 0 {
		return 0
	}
	apr := decimal.NewFromBigInt(rate, rayExponent).InexactFloat64()
	return (math.Pow(1+apr/secondsPerYear, secondsPerYear) - 1) * 100
}

// baseToUSD converts an oracle base-currency amount (8 decimals) to USD.
func baseToUSD(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	return decimal.NewFromBigInt(value, baseUnitExponent).InexactFloat64()
}

// rawToUSD values a raw token amount with an 8-decimal oracle price.
func rawToUSD(amount *big.Int, decimals uint8, price *big.Int) float64 {
	if amount == nil || price == nil {
		return 0
	}
	tokens := decimal.NewFromBigInt(amount, -int32(decimals))
	return tokens.Mul(decimal.NewFromBigInt(price, baseUnitExponent)).InexactFloat64()
}

// healthFactorValue converts Aave's 18-decimal health factor.
func healthFactorValue(value *big.Int) float64 {
	if value == nil {
		return 0
	}
	if value.Cmp(maxUint256) == 0 {
		return math.Inf(1)
	}
	return decimal.NewFromBigInt(value, -18).InexactFloat64()
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
