package decoder

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// TokenABI 版税 NFT 合约 (ERC-721 + ERC-2981 + mintNFT)
const TokenABI = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"tokenURI","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"setApprovalForAll","stateMutability":"nonpayable","inputs":[{"name":"operator","type":"address"},{"name":"approved","type":"bool"}],"outputs":[]},
	{"type":"function","name":"getApproved","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"isApprovedForAll","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"safeTransferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"mintNFT","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"},{"name":"royaltyFeeBps","type":"uint96"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"royaltyInfo","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"salePrice","type":"uint256"}],"outputs":[{"name":"receiver","type":"address"},{"name":"royaltyAmount","type":"uint256"}]},
	{"type":"function","name":"getTokenCreator","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"event","name":"NFTMinted","anonymous":false,"inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"creator","type":"address","indexed":true},{"name":"tokenURI","type":"string","indexed":false},{"name":"royaltyFee","type":"uint96","indexed":false}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"approved","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}]},
	{"type":"event","name":"ApprovalForAll","anonymous":false,"inputs":[{"name":"owner","type":"address","indexed":true},{"name":"operator","type":"address","indexed":true},{"name":"approved","type":"bool","indexed":false}]}
]`

// MarketplaceABI 市场合约
const MarketplaceABI = `[
	{"type":"function","name":"listNFT","stateMutability":"nonpayable","inputs":[{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"price","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"buyNFT","stateMutability":"payable","inputs":[{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelListing","stateMutability":"nonpayable","inputs":[{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getListing","stateMutability":"view","inputs":[{"name":"nftContract","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"seller","type":"address"},{"name":"price","type":"uint256"},{"name":"active","type":"bool"}]}]},
	{"type":"function","name":"platformFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"NFTListed","anonymous":false,"inputs":[{"name":"nftContract","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"price","type":"uint256","indexed":false}]},
	{"type":"event","name":"NFTSold","anonymous":false,"inputs":[{"name":"nftContract","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"buyer","type":"address","indexed":false},{"name":"price","type":"uint256","indexed":false},{"name":"royaltyAmount","type":"uint256","indexed":false},{"name":"platformFeeAmount","type":"uint256","indexed":false}]},
	{"type":"event","name":"ListingCancelled","anonymous":false,"inputs":[{"name":"nftContract","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true}]}
]`

var (
	tokenABI       = mustParse(TokenABI)
	marketplaceABI = mustParse(MarketplaceABI)
)

// Token 已解析的代币合约 ABI
func Token() abi.ABI {
	return tokenABI
}

// Marketplace 已解析的市场合约 ABI
func Marketplace() abi.ABI {
	return marketplaceABI
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("invalid ABI definition: " + err.Error())
	}
	return parsed
}
