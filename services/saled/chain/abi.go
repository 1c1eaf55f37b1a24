package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const saleABIJSON = `[
  {"type":"constructor","inputs":[{"name":"saleReceiver","type":"address"}],"stateMutability":"nonpayable"},
  {"type":"function","name":"addTokenSale","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"token","type":"address"},{"name":"tokenPrice","type":"uint256"},{"name":"duration","type":"uint256"}]},
  {"type":"function","name":"depositTokens","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"tokenId","type":"uint256"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"pauseSale","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"withdrawRemainingTokens","stateMutability":"nonpayable","outputs":[],
   "inputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"tokens","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"token","type":"address"},{"name":"tokenPrice","type":"uint256"},{"name":"totalTokens","type":"uint256"},
              {"name":"tokensSold","type":"uint256"},{"name":"saleEndDate","type":"uint256"},{"name":"saleActive","type":"bool"}]}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	saleABI  = mustParseABI("sale", saleABIJSON)
	erc20ABI = mustParseABI("erc20", erc20ABIJSON)
)

func mustParseABI(name, raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: parse %s abi: %v", name, err))
	}
	return parsed
}
