// Package safe binds the Safe multisig contract over go-ethereum and
// implements the web3.SafeSDK capability set for one (chain, safe) pair.
package safe

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenSafe-Chain/internal/errors"
	"OpenSafe-Chain/internal/safetx"
	"OpenSafe-Chain/internal/web3"
)

// Backend mirrors the subset of ethclient.Client the adapter needs.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config describes one Safe session.
type Config struct {
	ChainID safetx.ChainID
	Safe    common.Address
	// Signer is nil for read-only sessions.
	Signer       web3.Signer
	PollInterval time.Duration
	// OnClose runs once when the session is closed.
	OnClose func()
}

// Client implements web3.SafeSDK.
type Client struct {
	backend Backend
	cfg     Config
	abi     abi.ABI
	once    sync.Once
}

var parsedSafeABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(safeABI))
	if err != nil {
		panic(err)
	}
	return parsed
}

// New validates cfg and returns a Safe session.
func New(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, xerrors.Configuration("未提供链访问后端")
	}
	if cfg.ChainID == 0 {
		return nil, xerrors.Configuration("Safe 会话缺少链 ID")
	}
	if cfg.Safe == (common.Address{}) {
		return nil, xerrors.Parameter("Safe 地址不能为空")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Client{backend: backend, cfg: cfg, abi: parsedSafeABI}, nil
}

func (c *Client) ChainID() safetx.ChainID { return c.cfg.ChainID }

func (c *Client) SafeAddress() common.Address { return c.cfg.Safe }

func (c *Client) Signer() string {
	if c.cfg.Signer == nil {
		return ""
	}
	return c.cfg.Signer.Address().Hex()
}

// Close releases the session exactly once.
func (c *Client) Close() {
	c.once.Do(func() {
		if c.cfg.OnClose != nil {
			c.cfg.OnClose()
		}
	})
}

func (c *Client) GetTransactionHash(_ context.Context, params safetx.Params) (string, error) {
	hash, err := HashSafeTx(c.cfg.ChainID, c.cfg.Safe, params)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *Client) GetOwners(ctx context.Context) ([]string, error) {
	out, err := c.call(ctx, "getOwners")
	if err != nil {
		return nil, err
	}
	addrs, ok := out[0].([]common.Address)
	if !ok {
		return nil, xerrors.New(xerrors.CodeExecution, "getOwners 返回值类型错误")
	}
	owners := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		owners = append(owners, addr.Hex())
	}
	return owners, nil
}

func (c *Client) GetThreshold(ctx context.Context) (int, error) {
	value, err := c.callUint(ctx, "getThreshold")
	if err != nil {
		return 0, err
	}
	return int(value.Int64()), nil
}

func (c *Client) GetNonce(ctx context.Context) (uint64, error) {
	value, err := c.callUint(ctx, "nonce")
	if err != nil {
		return 0, err
	}
	return value.Uint64(), nil
}

func (c *Client) GetBalance(ctx context.Context) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, c.cfg.Safe, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "查询 Safe 余额失败")
	}
	return balance, nil
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "查询 gas 价格失败")
	}
	return price, nil
}

// SignTransactionHash signs the SafeTx with the attached signer.
func (c *Client) SignTransactionHash(ctx context.Context, params safetx.Params) (string, error) {
	if c.cfg.Signer == nil {
		return "", xerrors.Configuration("只读会话无法签名")
	}
	hash, err := HashSafeTx(c.cfg.ChainID, c.cfg.Safe, params)
	if err != nil {
		return "", err
	}
	sig, err := c.cfg.Signer.SignTypedData(ctx, hash.DomainSeparator, hash.StructHash)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// ExecuteTransaction broadcasts execTransaction from the attached signer.
// When the signer is short of the threshold and has not signed, a
// pre-validated signature (v=1) for the sender is added.
func (c *Client) ExecuteTransaction(ctx context.Context, tx *safetx.Transaction, opts web3.TxOptions) (web3.ExecutionResult, error) {
	if c.cfg.Signer == nil {
		return web3.ExecutionResult{}, xerrors.Configuration("只读会话无法执行交易")
	}
	sender := c.cfg.Signer.Address()

	threshold, err := c.GetThreshold(ctx)
	if err != nil {
		return web3.ExecutionResult{}, err
	}
	signed := tx
	if tx.SignatureCount() < threshold && !tx.IsSignedBy(sender.Hex()) {
		signed = tx.AddSignature(sender.Hex(), PreValidatedSignature(sender))
	}
	encoded, err := signed.EncodedSignatures()
	if err != nil {
		return web3.ExecutionResult{}, err
	}

	input, err := c.packExec(tx.Params(), encoded)
	if err != nil {
		return web3.ExecutionResult{}, err
	}

	value := new(big.Int)
	msg := gethcore.CallMsg{From: sender, To: &c.cfg.Safe, Value: value, Data: input}
	var gasLimit uint64
	if opts.GasLimit != nil {
		gasLimit = *opts.GasLimit
	} else {
		gasLimit, err = c.backend.EstimateGas(ctx, msg)
		if err != nil {
			return web3.ExecutionResult{}, classifyBroadcastError(err, "估算 execTransaction gas 失败")
		}
	}

	nonce, err := c.backend.PendingNonceAt(ctx, sender)
	if err != nil {
		return web3.ExecutionResult{}, xerrors.Wrap(xerrors.CodeExecution, err, "查询发送者 nonce 失败")
	}
	outer, err := c.buildTx(ctx, nonce, gasLimit, input, opts.GasPrice)
	if err != nil {
		return web3.ExecutionResult{}, err
	}
	chainID := new(big.Int).SetUint64(uint64(c.cfg.ChainID))
	signedTx, err := c.cfg.Signer.SignTransaction(ctx, outer, chainID)
	if err != nil {
		return web3.ExecutionResult{}, err
	}
	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return web3.ExecutionResult{}, classifyBroadcastError(err, "广播 execTransaction 失败")
	}
	hash := signedTx.Hash()
	return web3.ExecutionResult{
		Hash:     hash.Hex(),
		Response: &pendingTx{backend: c.backend, hash: hash, interval: c.cfg.PollInterval},
	}, nil
}

func (c *Client) packExec(p safetx.Params, signatures string) ([]byte, error) {
	p = p.WithDefaults()
	message, err := safeTxMessage(p)
	if err != nil {
		return nil, err
	}
	sigBytes, err := hexutil.Decode(signatures)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "签名编码无效")
	}
	input, err := c.abi.Pack("execTransaction",
		common.HexToAddress(p.To),
		message["value"],
		message["data"],
		uint8(p.Operation),
		message["safeTxGas"],
		message["baseGas"],
		message["gasPrice"],
		common.HexToAddress(p.GasToken),
		common.HexToAddress(p.RefundReceiver),
		sigBytes,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "编码 execTransaction 失败")
	}
	return input, nil
}

func (c *Client) buildTx(ctx context.Context, nonce, gasLimit uint64, input []byte, gasPrice *big.Int) (*types.Transaction, error) {
	to := c.cfg.Safe
	if gasPrice != nil {
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gasLimit, GasPrice: gasPrice, Data: input}), nil
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "查询最新区块失败")
	}
	if head.BaseFee == nil {
		price, err := c.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: gasLimit, GasPrice: price, Data: input}), nil
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "查询小费上限失败")
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).SetUint64(uint64(c.cfg.ChainID)),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      input,
	}), nil
}

func (c *Client) call(ctx context.Context, method string) ([]any, error) {
	input, err := c.abi.Pack(method)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidParameter, err, "编码 "+method+" 失败")
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.cfg.Safe, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecution, err, "调用 "+method+" 失败")
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil || len(out) == 0 {
		return nil, xerrors.Newf(xerrors.CodeExecution, "解析 %s 返回值失败，地址 %s 可能不是 Safe 合约", method, c.cfg.Safe.Hex())
	}
	return out, nil
}

func (c *Client) callUint(ctx context.Context, method string) (*big.Int, error) {
	out, err := c.call(ctx, method)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeExecution, "%s 返回值类型错误", method)
	}
	return value, nil
}

// PreValidatedSignature is the v=1 signature Safe accepts from msg.sender.
func PreValidatedSignature(owner common.Address) string {
	sig := make([]byte, 65)
	copy(sig[12:32], owner.Bytes())
	sig[64] = 1
	return hexutil.Encode(sig)
}

func classifyBroadcastError(err error, message string) error {
	if web3.IsInsufficientSignatures(err) {
		return xerrors.Wrap(xerrors.CodeSignature, err, "Safe 合约拒绝了签名集合")
	}
	return xerrors.Wrap(xerrors.CodeExecution, err, message)
}

var _ web3.SafeSDK = (*Client)(nil)
