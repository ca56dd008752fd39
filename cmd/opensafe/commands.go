package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"OpenSafe-Chain/internal/api"
	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/lifecycle"
	"OpenSafe-Chain/internal/observability/metrics"
	"OpenSafe-Chain/internal/safetx"
)

func targetFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "safe", Aliases: []string{"s"}, Usage: "Safe 合约地址", EnvVars: []string{"OPENSAFE_SAFE"}},
		&cli.StringFlag{Name: "chain", Usage: "链名称、网络名或链 ID，默认取配置中的 chains.default"},
	}
}

func gasFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{Name: "gas-limit", Usage: "外层交易的 gas 上限"},
		&cli.StringFlag{Name: "gas-price", Usage: "gas 价格 (gwei)，优先于 --gas-boost"},
		&cli.Int64Flag{Name: "gas-boost", Usage: "在节点报价上加价的百分比，默认取配置"},
	}
}

func (rt *runtime) target(c *cli.Context) (lifecycle.Target, error) {
	chainID, err := rt.resolveChain(c.String("chain"))
	if err != nil {
		return lifecycle.Target{}, err
	}
	return lifecycle.Target{ChainID: chainID, Safe: strings.TrimSpace(c.String("safe"))}, nil
}

func (rt *runtime) gasPolicy(c *cli.Context) lifecycle.GasPolicy {
	policy := lifecycle.GasPolicy{
		GasPrice:     strings.TrimSpace(c.String("gas-price")),
		BoostPercent: rt.cfg.Execution.GasBoostPercent,
	}
	if c.IsSet("gas-limit") {
		limit := c.Uint64("gas-limit")
		policy.GasLimit = &limit
	}
	if c.IsSet("gas-boost") {
		policy.BoostPercent = c.Int64("gas-boost")
	}
	return policy
}

func identifierArg(c *cli.Context) (string, error) {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return "", xerrors.Parameter("缺少交易标识 (nonce、哈希或哈希后缀)")
	}
	return id, nil
}

func proposeCommand() *cli.Command {
	return &cli.Command{
		Name:  "propose",
		Usage: "创建新的 Safe 交易提议",
		Flags: append(targetFlags(),
			&cli.StringFlag{Name: "to", Usage: "目标地址", Required: true},
			&cli.StringFlag{Name: "value", Usage: "转账金额 (wei)", Value: "0"},
			&cli.StringFlag{Name: "data", Usage: "调用数据", Value: "0x"},
			&cli.StringFlag{Name: "operation", Usage: "call 或 delegatecall", Value: "call"},
			&cli.Uint64Flag{Name: "nonce", Usage: "Safe nonce，默认读取链上当前值"},
			&cli.StringFlag{Name: "type", Usage: "交易类型标签"},
			&cli.StringSliceFlag{Name: "counterpart", Usage: "交易对手方，可重复"},
			&cli.StringSliceFlag{Name: "label", Usage: "key=value 标签，可重复"},
		),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			operation, err := parseOperation(c.String("operation"))
			if err != nil {
				return err
			}
			labels, err := parseLabels(c.StringSlice("label"))
			if err != nil {
				return err
			}
			req := lifecycle.ProposeRequest{
				Target:       target,
				To:           c.String("to"),
				Value:        c.String("value"),
				Data:         c.String("data"),
				Operation:    operation,
				Type:         c.String("type"),
				Counterparts: c.StringSlice("counterpart"),
				Labels:       labels,
			}
			if c.IsSet("nonce") {
				nonce := c.Uint64("nonce")
				req.Nonce = &nonce
			}
			tx, err := rt.service.Propose(c.Context, req)
			return report(c, tx, err)
		}),
	}
}

func signCommand() *cli.Command {
	flags := append(targetFlags(), &cli.BoolFlag{Name: "execute", Usage: "签名满足阈值后立即执行"})
	return &cli.Command{
		Name:      "sign",
		Usage:     "使用配置的签名器为交易签名",
		ArgsUsage: "<nonce|hash|suffix>",
		Flags:     append(flags, gasFlags()...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			id, err := identifierArg(c)
			if err != nil {
				return err
			}
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			tx, err := rt.service.Sign(c.Context, target, id, lifecycle.SignOptions{
				Execute: c.Bool("execute"),
				Gas:     rt.gasPolicy(c),
			})
			return report(c, tx, err)
		}),
	}
}

func executeCommand() *cli.Command {
	return &cli.Command{
		Name:      "execute",
		Usage:     "广播已收集足够签名的交易并等待回执",
		ArgsUsage: "<nonce|hash|suffix>",
		Flags:     append(targetFlags(), gasFlags()...),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			id, err := identifierArg(c)
			if err != nil {
				return err
			}
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			tx, err := rt.service.Execute(c.Context, target, id, rt.gasPolicy(c))
			return report(c, tx, err)
		}),
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "查看签名进度",
		ArgsUsage: "<nonce|hash|suffix>",
		Flags:     targetFlags(),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			id, err := identifierArg(c)
			if err != nil {
				return err
			}
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			signatures, tx, err := rt.service.SignatureStatus(c.Context, target, id)
			if err != nil {
				return err
			}
			return printSignatureReport(c.App.Writer, tx, signatures)
		}),
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "输出交易的完整 JSON 信封",
		ArgsUsage: "<nonce|hash|suffix>",
		Flags:     targetFlags(),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			id, err := identifierArg(c)
			if err != nil {
				return err
			}
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			tx, err := rt.service.Get(c.Context, id, safetx.LoadOptions{SafeAddress: target.Safe, ChainID: target.ChainID})
			if err != nil {
				return err
			}
			return printEnvelope(c.App.Writer, tx)
		}),
	}
}

func listFlags() []cli.Flag {
	return append(targetFlags(),
		&cli.StringSliceFlag{Name: "status", Usage: "按状态过滤，可重复或逗号分隔"},
		&cli.StringFlag{Name: "type", Usage: "按交易类型过滤"},
		&cli.StringFlag{Name: "sort", Usage: "二级排序: createDate、executionDate、status、signatures"},
		&cli.BoolFlag{Name: "asc", Usage: "升序排列"},
		&cli.IntFlag{Name: "limit", Usage: "最多返回的条数，0 表示不限", Value: 20},
	)
}

func (rt *runtime) listOptions(c *cli.Context) ([]safetx.ListOption, error) {
	target, err := rt.target(c)
	if err != nil {
		return nil, err
	}
	opts := []safetx.ListOption{safetx.WithSafe(target.Safe), safetx.WithChain(target.ChainID)}
	var statuses []safetx.Status
	for _, raw := range c.StringSlice("status") {
		for _, part := range strings.Split(raw, ",") {
			status, err := safetx.ParseStatus(part)
			if err != nil {
				return nil, err
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, safetx.WithStatuses(statuses...))
	}
	if kind := c.String("type"); kind != "" {
		opts = append(opts, safetx.WithType(kind))
	}
	field, ok := safetx.ParseSortField(c.String("sort"))
	if !ok {
		return nil, xerrors.Parameter("未知的排序字段: %q", c.String("sort"))
	}
	opts = append(opts, safetx.WithSort(field, c.Bool("asc")))
	return append(opts, safetx.WithLimit(c.Int("limit"))), nil
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "列出本地存储的交易",
		Flags: listFlags(),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			opts, err := rt.listOptions(c)
			if err != nil {
				return err
			}
			txs, err := rt.service.List(c.Context, opts...)
			if err != nil {
				return err
			}
			return printTransactions(c.App.Writer, txs)
		}),
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "按状态统计交易数量",
		Flags: listFlags(),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			opts, err := rt.listOptions(c)
			if err != nil {
				return err
			}
			stats, err := rt.service.Stats(c.Context, opts...)
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, stats)
		}),
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "发布交易到 IPFS 并记录内容标识",
		ArgsUsage: "<nonce|hash|suffix>",
		Flags:     targetFlags(),
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			id, err := identifierArg(c)
			if err != nil {
				return err
			}
			target, err := rt.target(c)
			if err != nil {
				return err
			}
			tx, err := rt.service.Push(c.Context, target, id)
			if err != nil {
				return err
			}
			if ref := tx.Metadata.Remote; ref != nil {
				fmt.Fprintf(c.App.Writer, "已发布: %s\n", ref.URI)
			}
			return printSummary(c.App.Writer, tx)
		}),
	}
}

func pullCommand() *cli.Command {
	return &cli.Command{
		Name:      "pull",
		Usage:     "从 IPFS 拉取交易并与本地副本合并签名",
		ArgsUsage: "<ipfs://cid|cid|gateway url>",
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			uri := strings.TrimSpace(c.Args().First())
			if uri == "" {
				return xerrors.Parameter("缺少 IPFS 地址或内容标识")
			}
			tx, err := rt.service.Pull(c.Context, uri)
			return report(c, tx, err)
		}),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "启动只读 REST 接口与 /metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "监听地址，默认取 server.address"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "单独暴露 /metrics 的监听地址"},
		},
		Action: withRuntime(func(c *cli.Context, rt *runtime) error {
			addr := rt.cfg.Server.Address
			if c.IsSet("addr") {
				addr = c.String("addr")
			}
			authSvc, err := newAuth(rt.cfg.Server.Auth)
			if err != nil {
				return err
			}
			if metricsAddr := c.String("metrics-addr"); metricsAddr != "" {
				go func() {
					if err := metrics.StartServer(c.Context, metricsAddr); err != nil && !errors.Is(err, context.Canceled) {
						rt.log.Error("metrics 服务退出", "addr", metricsAddr, "error", err)
					}
				}()
			}
			server := api.NewServer(addr, rt.service, rt.chains.Resolve, api.WithAuth(authSvc))
			if err := server.Start(c.Context); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}),
	}
}

// report 打印操作返回的交易。即使出错也输出已知的最新状态，再返回错误。
func report(c *cli.Context, tx *safetx.Transaction, err error) error {
	if tx != nil {
		if printErr := printSummary(c.App.Writer, tx); printErr != nil && err == nil {
			return printErr
		}
	}
	return err
}

func parseOperation(raw string) (safetx.Operation, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "call":
		return safetx.OperationCall, nil
	case "1", "delegatecall", "delegate_call":
		return safetx.OperationDelegateCall, nil
	default:
		return 0, xerrors.Parameter("未知的操作类型: %q", raw)
	}
}

func parseLabels(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	labels := make(map[string]string, len(values))
	for _, value := range values {
		key, val, ok := strings.Cut(value, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, xerrors.Parameter("标签格式应为 key=value: %q", value)
		}
		labels[key] = strings.TrimSpace(val)
	}
	return labels, nil
}
