// Package quote 提供兑换报价服务的 HTTP 客户端。报价服务返回可直接提交给
// 路由合约的调用数据以及预期的输出数量。
package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "DeFlow/internal/errors"
)

const defaultTimeout = 15 * time.Second

// CodeQuoteFailed 表示报价服务无法给出可执行报价。
const CodeQuoteFailed xerrors.Code = "QUOTE_FAILED"

func init() {
	xerrors.Register(CodeQuoteFailed, xerrors.Attributes{
		Message:   "quote failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// ErrQuoteFailed 可用于 errors.Is 判断。
var ErrQuoteFailed = xerrors.New(CodeQuoteFailed, "")

// Request 描述一次报价请求。
type Request struct {
	ChainID     *big.Int
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	Recipient   common.Address
	SlippageBps int
	RPCURL      string
}

// Quote 是已签名的报价，To/Data/Value 直接用于构造兑换交易。
type Quote struct {
	To               common.Address
	Data             []byte
	Value            *big.Int
	AmountOut        *big.Int
	TokenOutDecimals uint8
	TokenOutSymbol   string
}

// Config 描述报价服务地址。
type Config struct {
	Endpoint string
	Timeout  time.Duration
}

// Client 通过 HTTP 请求报价。
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient 根据配置创建报价客户端。
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("未配置报价服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{endpoint: endpoint, httpClient: &http.Client{Timeout: timeout}}, nil
}

type wireRequest struct {
	ChainID     string `json:"chainId"`
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountIn    string `json:"amountIn"`
	Recipient   string `json:"recipient"`
	SlippageBps int    `json:"slippageBps"`
	RPCURL      string `json:"rpcUrl"`
}

type wireQuote struct {
	To               string `json:"to"`
	Data             string `json:"data"`
	Value            string `json:"value"`
	AmountOut        string `json:"amountOut"`
	TokenOutDecimals uint8  `json:"tokenOutDecimals"`
	TokenOutSymbol   string `json:"tokenOutSymbol"`
}

type wireResponse struct {
	Success bool      `json:"success"`
	Quote   wireQuote `json:"quote"`
	Error   string    `json:"error"`
}

// Quote 请求一条兑换路由。
func (c *Client) Quote(ctx context.Context, r Request) (*Quote, error) {
	if r.AmountIn == nil || r.AmountIn.Sign() <= 0 {
		return nil, xerrors.New(CodeQuoteFailed, "amountIn must be positive")
	}
	chainID := ""
	if r.ChainID != nil {
		chainID = r.ChainID.String()
	}
	payload, err := json.Marshal(wireRequest{
		ChainID:     chainID,
		TokenIn:     r.TokenIn.Hex(),
		TokenOut:    r.TokenOut.Hex(),
		AmountIn:    r.AmountIn.String(),
		Recipient:   r.Recipient.Hex(),
		SlippageBps: r.SlippageBps,
		RPCURL:      r.RPCURL,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化报价请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/quote", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建报价请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteFailed, err, "请求报价服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeQuoteFailed,
			fmt.Sprintf("报价服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeQuoteFailed, err, "解析报价响应失败")
	}
	if !decoded.Success {
		msg := strings.TrimSpace(decoded.Error)
		if msg == "" {
			msg = "no route found"
		}
		return nil, xerrors.New(CodeQuoteFailed, msg)
	}
	return decoded.Quote.toQuote()
}

func (w wireQuote) toQuote() (*Quote, error) {
	if !common.IsHexAddress(w.To) {
		return nil, xerrors.New(CodeQuoteFailed, "quote target is not an address: "+w.To)
	}
	data, err := hexutil.Decode(w.Data)
	if err != nil {
		return nil, xerrors.Wrap(CodeQuoteFailed, err, "quote calldata is not hex")
	}
	amountOut, ok := new(big.Int).SetString(w.AmountOut, 10)
	if !ok || amountOut.Sign() < 0 {
		return nil, xerrors.New(CodeQuoteFailed, "quote amountOut is not an integer: "+w.AmountOut)
	}
	value := new(big.Int)
	if w.Value != "" {
		if _, ok := value.SetString(w.Value, 0); !ok {
			return nil, xerrors.New(CodeQuoteFailed, "quote value is not an integer: "+w.Value)
		}
	}
	return &Quote{
		To:               common.HexToAddress(w.To),
		Data:             data,
		Value:            value,
		AmountOut:        amountOut,
		TokenOutDecimals: w.TokenOutDecimals,
		TokenOutSymbol:   w.TokenOutSymbol,
	}, nil
}
