package ethereum

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// poolABI covers the subset of the Aave v3 Pool used by the autopilot.
// getReserveData returns a fully static struct, so its fields are declared as
// flat outputs; the encoding is identical.
const poolABI = `[
  {"type":"function","name":"getReserveData","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[
     {"name":"configuration","type":"uint256"},
     {"name":"liquidityIndex","type":"uint128"},
     {"name":"currentLiquidityRate","type":"uint128"},
     {"name":"variableBorrowIndex","type":"uint128"},
     {"name":"currentVariableBorrowRate","type":"uint128"},
     {"name":"currentStableBorrowRate","type":"uint128"},
     {"name":"lastUpdateTimestamp","type":"uint40"},
     {"name":"id","type":"uint16"},
     {"name":"aTokenAddress","type":"address"},
     {"name":"stableDebtTokenAddress","type":"address"},
     {"name":"variableDebtTokenAddress","type":"address"},
     {"name":"interestRateStrategyAddress","type":"address"},
     {"name":"accruedToTreasury","type":"uint128"},
     {"name":"unbacked","type":"uint128"},
     {"name":"isolationModeTotalDebt","type":"uint128"}]},
  {"type":"function","name":"getUserAccountData","stateMutability":"view",
   "inputs":[{"name":"user","type":"address"}],
   "outputs":[
     {"name":"totalCollateralBase","type":"uint256"},
     {"name":"totalDebtBase","type":"uint256"},
     {"name":"availableBorrowsBase","type":"uint256"},
     {"name":"currentLiquidationThreshold","type":"uint256"},
     {"name":"ltv","type":"uint256"},
     {"name":"healthFactor","type":"uint256"}]},
  {"type":"function","name":"supply","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"onBehalfOf","type":"address"},{"name":"referralCode","type":"uint16"}],
   "outputs":[]},
  {"type":"function","name":"borrow","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"referralCode","type":"uint16"},{"name":"onBehalfOf","type":"address"}],
   "outputs":[]},
  {"type":"function","name":"repay","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"interestRateMode","type":"uint256"},{"name":"onBehalfOf","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"withdraw","stateMutability":"nonpayable",
   "inputs":[{"name":"asset","type":"address"},{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABI = `[
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const oracleABI = `[
  {"type":"function","name":"getAssetPrice","stateMutability":"view",
   "inputs":[{"name":"asset","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	parsedPool   = mustParseABI("pool", poolABI)
	parsedERC20  = mustParseABI("erc20", erc20ABI)
	parsedOracle = mustParseABI("oracle", oracleABI)
)

// variableRateMode is Aave's interest rate mode for variable debt.
const variableRateMode = 2

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s abi: %v", name, err))
	}
	return parsed
}
