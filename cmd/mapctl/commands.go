package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ketches/mindmap-backend/internal/config"
	"github.com/ketches/mindmap-backend/internal/database"
	"github.com/ketches/mindmap-backend/internal/logger"
	"github.com/ketches/mindmap-backend/internal/service"
	"github.com/spf13/cobra"
)

// --- 全局变量 ---
var (
	outputJSON bool

	cfg      *config.Config
	services *service.Services

	rootCmd = &cobra.Command{
		Use:           "mapctl",
		Short:         "Mindmap 后台管理工具",
		Long:          "mapctl 直接连接数据库，执行兑换码、积分与邀请码的离线管理操作。",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load()
			if err != nil {
				return err
			}
			// CLI 输出到终端，日志仅保留警告以上
			if err := logger.Init("cli"); err != nil {
				return err
			}
			if err := database.Init(c); err != nil {
				return err
			}
			cfg = c
			services = service.NewServices(database.GetDB(), c, service.Options{})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			database.Close()
			logger.Sync()
		},
	}

	// --- 兑换码 ---
	codesCmd = &cobra.Command{
		Use:   "codes",
		Short: "管理兑换码",
	}
	codesGenerateCmd = &cobra.Command{
		Use:   "generate",
		Short: "批量生成兑换码",
		RunE:  runCodesGenerate,
	}
	codesListCmd = &cobra.Command{
		Use:   "list",
		Short: "查询兑换码",
		RunE:  runCodesList,
	}

	// --- 积分 ---
	creditsCmd = &cobra.Command{
		Use:   "credits",
		Short: "管理用户积分",
	}
	creditsGrantCmd = &cobra.Command{
		Use:   "grant",
		Short: "手动发放积分（MANUAL_GRANT）",
		RunE:  runCreditsGrant,
	}

	// --- 账本 ---
	ledgerCmd = &cobra.Command{
		Use:   "ledger",
		Short: "积分账本工具",
	}
	ledgerVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "对账：余额应等于流水带符号金额之和",
		RunE:  runLedgerVerify,
	}

	// --- 邀请码 ---
	invitationsCmd = &cobra.Command{
		Use:   "invitations",
		Short: "管理邀请码",
	}
	invitationsCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "以指定用户身份创建邀请码",
		RunE:  runInvitationsCreate,
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "以 JSON 输出")

	codesGenerateCmd.Flags().Int("count", 1, "生成数量（1-1000）")
	codesGenerateCmd.Flags().Int64("credits", 0, "每个兑换码的积分")
	codesGenerateCmd.Flags().String("prefix", "", "兑换码前缀")
	codesGenerateCmd.Flags().Int("length", 0, "兑换码总长度（默认 16）")
	codesGenerateCmd.Flags().String("batch", "", "批次名称")
	codesGenerateCmd.Flags().Int("expires-days", 0, "有效天数（默认 365）")
	_ = codesGenerateCmd.MarkFlagRequired("credits")

	codesListCmd.Flags().String("status", "", "状态过滤：active | redeemed | expired")
	codesListCmd.Flags().String("batch", "", "批次名称")
	codesListCmd.Flags().Int("page", 1, "页码")
	codesListCmd.Flags().Int("page-size", 20, "每页数量")

	creditsGrantCmd.Flags().Uint("user", 0, "用户 ID")
	creditsGrantCmd.Flags().Int64("amount", 0, "积分数量")
	creditsGrantCmd.Flags().String("desc", "", "说明")
	creditsGrantCmd.Flags().String("idempotency-key", "", "幂等键，重复执行不会重复发放")
	_ = creditsGrantCmd.MarkFlagRequired("user")
	_ = creditsGrantCmd.MarkFlagRequired("amount")

	ledgerVerifyCmd.Flags().Uint("user", 0, "仅对账指定用户（默认全部）")

	invitationsCreateCmd.Flags().Uint("user", 0, "邀请码归属用户 ID")
	invitationsCreateCmd.Flags().Int("count", 1, "数量")
	invitationsCreateCmd.Flags().Int("expires-days", 0, "有效天数（0 表示不过期）")
	_ = invitationsCreateCmd.MarkFlagRequired("user")

	codesCmd.AddCommand(codesGenerateCmd, codesListCmd)
	creditsCmd.AddCommand(creditsGrantCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	invitationsCmd.AddCommand(invitationsCreateCmd)
	rootCmd.AddCommand(codesCmd, creditsCmd, ledgerCmd, invitationsCmd)
}

func runCodesGenerate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	gc := &service.GenerateConfig{}
	gc.Count, _ = f.GetInt("count")
	gc.CreditsAmount, _ = f.GetInt64("credits")
	gc.Prefix, _ = f.GetString("prefix")
	gc.Length, _ = f.GetInt("length")
	gc.BatchName, _ = f.GetString("batch")
	gc.ExpiresInDays, _ = f.GetInt("expires-days")

	res, err := services.Redemptions.GenerateRedemptions(cmd.Context(), gc, nil)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(res)
	}
	for _, code := range res.Codes {
		fmt.Println(code)
	}
	fmt.Fprintf(os.Stderr, "已生成 %d 个兑换码，每个 %d 积分，%s 过期\n",
		res.Count, res.CreditsAmount, res.ExpiresAt.In(cfg.Location()).Format("2006-01-02 15:04"))
	return nil
}

func runCodesList(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	q := &service.RedemptionQuery{}
	q.Status, _ = f.GetString("status")
	q.BatchName, _ = f.GetString("batch")
	q.Page, _ = f.GetInt("page")
	q.PageSize, _ = f.GetInt("page-size")

	res, err := services.Redemptions.GetRedemptions(cmd.Context(), q)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(res)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tCREDITS\tSTATUS\tBATCH\tREDEEMER\tEXPIRES")
	for _, r := range res.Items {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Code, r.CreditsAmount, r.Status, r.BatchName, r.RedeemerEmail, r.ExpiresAt)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "第 %d/%d 页，共 %d 条\n", res.Page, res.TotalPages, res.Total)
	return nil
}

func runCreditsGrant(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	userID, _ := f.GetUint("user")
	amount, _ := f.GetInt64("amount")
	desc, _ := f.GetString("desc")
	key, _ := f.GetString("idempotency-key")

	res, err := services.Credits.GrantManual(cmd.Context(), userID, amount, desc, key)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(res)
	}
	if res.Replayed {
		fmt.Printf("幂等键已使用，未重复发放；当前余额 %d\n", res.Balance)
		return nil
	}
	fmt.Printf("已向用户 %d 发放 %d 积分，当前余额 %d（流水 #%d）\n", userID, res.Amount, res.Balance, res.TransactionID)
	return nil
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	userID, _ := cmd.Flags().GetUint("user")
	ctx := cmd.Context()

	if userID != 0 {
		rec, err := services.Credits.Verify(ctx, userID)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(rec)
		}
		printReconciliation([]service.Reconciliation{*rec})
		if !rec.Consistent {
			return fmt.Errorf("用户 %d 账本不一致", userID)
		}
		return nil
	}

	mismatched, total, err := services.Credits.VerifyAll(ctx)
	if err != nil {
		return err
	}
	if outputJSON {
		if err := printJSON(map[string]interface{}{"accounts": total, "mismatched": mismatched}); err != nil {
			return err
		}
	} else {
		if len(mismatched) > 0 {
			printReconciliation(mismatched)
		}
		fmt.Printf("共检查 %d 个账户，不一致 %d 个\n", total, len(mismatched))
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("发现 %d 个不一致的账户", len(mismatched))
	}
	return nil
}

func runInvitationsCreate(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	userID, _ := f.GetUint("user")
	count, _ := f.GetInt("count")
	days, _ := f.GetInt("expires-days")

	codes, err := services.Invitations.Create(cmd.Context(), userID, count, days)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(codes)
	}
	for _, c := range codes {
		fmt.Println(c.Code)
	}
	return nil
}

func printReconciliation(items []service.Reconciliation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tBALANCE\tLEDGER_SUM\tCONSISTENT")
	for _, r := range items {
		fmt.Fprintf(w, "%d\t%d\t%d\t%t\n", r.UserID, r.Balance, r.LedgerSum, r.Consistent)
	}
	_ = w.Flush()
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
