package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"nftmarket/internal/app"
	"nftmarket/internal/chain"
	"nftmarket/internal/config"
	"nftmarket/internal/decoder"
	"nftmarket/internal/shutdown"
	"nftmarket/internal/validation"
	"nftmarket/internal/wallet"
	"nftmarket/internal/workflow"
	"nftmarket/pkg/models"
)

var (
	// 全局参数
	configFile string
	verbose    bool
	connector  string
	assumeYes  bool

	// 合约参数
	nftContract string

	// 铸造参数
	title       string
	description string
	royaltyBps  int64

	// 购买参数
	expectedPrice string
	payValue      string

	// 收入参数
	syncEarnings bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "nftmarket",
		Short:        "NFT 市场钱包与合约工具",
		Long:         `连接钱包后在 Lisk Sepolia 上铸造、挂单、取消和购买 NFT，并查询创作者版税收入`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().StringVar(&connector, "connector", "", "钱包连接器 (keystore|key|walletconnect)，默认取配置")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "自动确认签名请求")

	walletsCmd := &cobra.Command{
		Use:   "wallets",
		Short: "列出可用的钱包连接器",
		Args:  cobra.NoArgs,
		RunE:  withApp(false, listWallets),
	}

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "连接钱包并显示账户和余额",
		Args:  cobra.NoArgs,
		RunE:  withApp(true, showSession),
	}

	mintCmd := &cobra.Command{
		Use:   "mint <file>",
		Short: "上传资源并铸造 NFT",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(true, mint),
	}
	mintCmd.Flags().StringVar(&title, "title", "", "作品标题")
	mintCmd.Flags().StringVar(&description, "description", "", "作品描述")
	mintCmd.Flags().Int64Var(&royaltyBps, "royalty-bps", -1, "版税基点 (0-2500)，默认取配置")

	listCmd := &cobra.Command{
		Use:   "list <tokenId> <price>",
		Short: "挂单出售，价格以原生货币为单位",
		Args:  cobra.ExactArgs(2),
		RunE:  withApp(true, list),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <tokenId>",
		Short: "取消挂单",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(true, cancel),
	}

	buyCmd := &cobra.Command{
		Use:   "buy <tokenId>",
		Short: "按挂单价格购买",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(true, buy),
	}
	buyCmd.Flags().StringVar(&expectedPrice, "expected-price", "", "预期价格，与链上不一致时中止")
	buyCmd.Flags().StringVar(&payValue, "value", "", "支付金额，默认等于挂单价格")

	quoteCmd := &cobra.Command{
		Use:   "quote <tokenId>",
		Short: "计算成交后的版税和手续费拆分",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, quote),
	}

	listingCmd := &cobra.Command{
		Use:   "listing <tokenId>",
		Short: "查询链上挂单",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, showListing),
	}

	for _, cmd := range []*cobra.Command{cancelCmd, buyCmd, quoteCmd, listingCmd} {
		cmd.Flags().StringVar(&nftContract, "nft", "", "NFT 合约地址，默认取配置")
	}

	collectionCmd := &cobra.Command{
		Use:   "collection [owner]",
		Short: "查看合集名称、符号和持有数量",
		Args:  cobra.MaximumNArgs(1),
		RunE:  withApp(false, showCollection),
	}

	recheckCmd := &cobra.Command{
		Use:   "recheck <txHash>",
		Short: "重新查询超时交易的状态",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, recheck),
	}

	pendingCmd := &cobra.Command{
		Use:   "pending",
		Short: "列出已提交但未确认的交易",
		Args:  cobra.NoArgs,
		RunE:  withApp(false, pending),
	}

	earningsCmd := &cobra.Command{
		Use:   "earnings <creator>",
		Short: "查看创作者版税收入",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(false, earnings),
	}
	earningsCmd.Flags().BoolVar(&syncEarnings, "sync", false, "先从链上同步成交记录")

	rootCmd.AddCommand(walletsCmd, connectCmd, mintCmd, listCmd, cancelCmd, buyCmd,
		quoteCmd, listingCmd, collectionCmd, recheckCmd, pendingCmd, earningsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

type command func(ctx context.Context, a *app.App, args []string) error

// withApp 组装应用后执行子命令，needWallet 时先连接钱包
// 收到中断信号时按停机顺序关闭组件
func withApp(needWallet bool, fn command) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := app.Bootstrap(configFile, verbose)
		if err != nil {
			return err
		}

		m := shutdown.New(shutdown.DefaultTimeout, logger)
		m.Listen()
		ctx := m.Context()

		a, err := app.New(ctx, cfg, logger, app.Options{Approver: approver(cfg, logger)})
		if err != nil {
			return err
		}
		a.RegisterShutdown(m)
		defer func() {
			if err := m.Shutdown(); err != nil {
				logger.Warnf("关闭组件失败: %v", err)
			}
		}()

		if needWallet {
			if err := a.ConnectDefault(ctx, connector); err != nil {
				return err
			}
			state := a.Session.State()
			logger.Infof("已连接 %s (%s)", state.ShortAccount(), state.Connector)
		}
		return fn(ctx, a, args)
	}
}

// approver 非 --yes 时在终端逐笔确认，方法名由合约 ABI 解析
func approver(cfg *config.Config, logger *logrus.Logger) wallet.Approver {
	if assumeYes {
		return wallet.AutoApprove
	}
	nft, _ := cfg.Contracts.NFTAddress()
	market, _ := cfg.Contracts.MarketplaceAddress()
	dec := decoder.NewDecoder(nft, market, logger)
	return &wallet.PromptApprover{
		In:  os.Stdin,
		Out: os.Stderr,
		Describe: func(data []byte) string {
			name, args, ok := dec.DecodeInput(data)
			if !ok {
				return ""
			}
			return fmt.Sprintf("%s %v", name, args)
		},
	}
}

// progress 状态变化打印到标准错误，结果 JSON 打印到标准输出
func progress(d models.ChainDescriptor) workflow.Progress {
	return func(u workflow.Update) {
		if u.TxHash != (common.Hash{}) {
			fmt.Fprintf(os.Stderr, "[%s] %s  %s\n", u.Workflow, u.State, d.TxURL(u.TxHash))
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", u.Workflow, u.State)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult 失败时同样输出运行记录，便于 recheck
func printResult(v interface{}, err error) error {
	if perr := printJSON(v); perr != nil {
		return perr
	}
	return err
}

func listWallets(ctx context.Context, a *app.App, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t名称\t可用")
	for _, info := range a.Wallets.List() {
		fmt.Fprintf(w, "%s\t%s\t%v\n", info.ID, info.Name, info.Available)
	}
	return w.Flush()
}

func showSession(ctx context.Context, a *app.App, args []string) error {
	if _, err := a.Session.RefreshBalance(ctx); err != nil {
		return err
	}
	return printJSON(a.Session.State())
}

func mint(ctx context.Context, a *app.App, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("读取资源文件失败: %w", err)
	}
	royalty := royaltyBps
	if royalty < 0 {
		royalty = a.Config.Workflow.DefaultRoyaltyBps
	}

	req := &models.MintRequest{
		Asset:              data,
		FileName:           filepath.Base(args[0]),
		Title:              title,
		Description:        description,
		RoyaltyBasisPoints: royalty,
	}
	result, err := a.Workflows.Mint(ctx, req, progress(a.Descriptor))
	return printResult(result, err)
}

func list(ctx context.Context, a *app.App, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	price, err := chain.ParseAmount(a.Descriptor, args[1])
	if err != nil {
		return err
	}
	result, err := a.Workflows.List(ctx, &workflow.ListRequest{TokenID: tokenID, Price: price}, progress(a.Descriptor))
	return printResult(result, err)
}

func cancel(ctx context.Context, a *app.App, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	nft, err := parseNFT(nftContract)
	if err != nil {
		return err
	}
	result, err := a.Workflows.Cancel(ctx, &workflow.CancelRequest{NFTContract: nft, TokenID: tokenID}, progress(a.Descriptor))
	return printResult(result, err)
}

func buy(ctx context.Context, a *app.App, args []string) error {
	req, err := purchaseRequest(a.Descriptor, args[0], nftContract, expectedPrice, payValue)
	if err != nil {
		return err
	}
	result, err := a.Workflows.Purchase(ctx, req, progress(a.Descriptor))
	return printResult(result, err)
}

// purchaseRequest 由命令行参数构造购买请求，空字符串表示未指定
func purchaseRequest(d models.ChainDescriptor, tokenArg, nft, expected, value string) (*workflow.PurchaseRequest, error) {
	req := &workflow.PurchaseRequest{}
	var err error
	if req.TokenID, err = parseTokenID(tokenArg); err != nil {
		return nil, err
	}
	if req.NFTContract, err = parseNFT(nft); err != nil {
		return nil, err
	}
	if expected != "" {
		if req.ExpectedPrice, err = chain.ParseAmount(d, expected); err != nil {
			return nil, err
		}
	}
	if value != "" {
		if req.Value, err = chain.ParseAmount(d, value); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func quote(ctx context.Context, a *app.App, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	nft, err := parseNFT(nftContract)
	if err != nil {
		return err
	}
	split, err := a.Workflows.Quote(ctx, nft, tokenID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "成交价\t%s\n", chain.FormatAmount(a.Descriptor, split.SalePrice))
	fmt.Fprintf(w, "创作者版税\t%s\n", chain.FormatAmount(a.Descriptor, split.RoyaltyAmount))
	fmt.Fprintf(w, "平台手续费\t%s\n", chain.FormatAmount(a.Descriptor, split.PlatformFeeAmount))
	fmt.Fprintf(w, "卖家实收\t%s\n", chain.FormatAmount(a.Descriptor, split.SellerNetAmount))
	return w.Flush()
}

func showListing(ctx context.Context, a *app.App, args []string) error {
	tokenID, err := parseTokenID(args[0])
	if err != nil {
		return err
	}
	nft, err := parseNFT(nftContract)
	if err != nil {
		return err
	}
	if nft == nil {
		addr, err := a.Gateway.NFTContract()
		if err != nil {
			return err
		}
		nft = &addr
	}
	listing, err := a.Gateway.GetListing(ctx, *nft, tokenID)
	if err != nil {
		return err
	}
	return printJSON(listing)
}

func showCollection(ctx context.Context, a *app.App, args []string) error {
	nft, err := a.Gateway.NFTContract()
	if err != nil {
		return err
	}
	name, symbol, err := a.Gateway.CollectionInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)  %s\n", name, symbol, a.Descriptor.AddressURL(nft))
	if len(args) == 0 {
		return nil
	}

	owner, err := parseAccount(a.Validator, args[0])
	if err != nil {
		return err
	}
	balance, err := a.Gateway.BalanceOf(ctx, owner)
	if err != nil {
		return err
	}
	fmt.Printf("%s 持有 %s 个\n", owner.Hex(), balance)
	return nil
}

func recheck(ctx context.Context, a *app.App, args []string) error {
	if len(args[0]) != 66 {
		return fmt.Errorf("无效的交易哈希: %s", args[0])
	}
	outcome, err := a.Workflows.Recheck(ctx, common.HexToHash(args[0]))
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

func pending(ctx context.Context, a *app.App, args []string) error {
	entries, err := a.Workflows.Pending()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("没有未确认的交易")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "交易\t类型\t账户\t提交时间")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.TxHash.Hex(), e.Kind, e.Account.Hex(), e.SubmittedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func earnings(ctx context.Context, a *app.App, args []string) error {
	creator, err := parseAccount(a.Validator, args[0])
	if err != nil {
		return err
	}

	if syncEarnings {
		result, err := a.Earnings.Sync(ctx, creator)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "已同步区块 %d-%d，新增 %d 笔\n", result.FromBlock, result.ToBlock, result.NewPayments)
	}

	summary, err := a.Earnings.Summary(creator)
	if err != nil {
		return err
	}
	fmt.Printf("累计版税: %s (%d 笔)\n", chain.FormatAmount(a.Descriptor, summary.TotalRoyalty), summary.SalesCount)
	return printJSON(summary.Payments)
}

func parseTokenID(raw string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("无效的 tokenId: %s", raw)
	}
	return id, nil
}

func parseAccount(v *validation.Validator, raw string) (common.Address, error) {
	if err := v.ValidateAddress(raw).Err(); err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(raw), nil
}

func parseNFT(raw string) (*common.Address, error) {
	if raw == "" {
		return nil, nil
	}
	if !common.IsHexAddress(raw) {
		return nil, fmt.Errorf("无效的 NFT 合约地址: %s", raw)
	}
	addr := common.HexToAddress(raw)
	return &addr, nil
}
