// Package signer 提供远程委托签名服务的 HTTP 客户端。
// 客户端只提交未签名交易与委托人地址，从不接触私钥。
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "DeFlow/internal/errors"
)

const defaultTimeout = 30 * time.Second

// CodeSigningDenied 表示签名服务拒绝了请求（授权失败或策略拒绝）。
const CodeSigningDenied xerrors.Code = "SIGNING_DENIED"

func init() {
	xerrors.Register(CodeSigningDenied, xerrors.Attributes{
		Message:  "signing denied",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// ErrSigningDenied 可用于 errors.Is 判断。
var ErrSigningDenied = xerrors.New(CodeSigningDenied, "")

// Config 描述了调用委托签名服务所需的信息。
type Config struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// Client 通过 HTTP 调用委托签名能力。
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient 根据配置创建签名客户端。
func NewClient(cfg Config) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("未配置签名服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint:   endpoint,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type signRequest struct {
	SerializedTransaction  string `json:"serializedTransaction"`
	DelegatorPkpEthAddress string `json:"delegatorPkpEthAddress"`
}

type signResponse struct {
	Success bool `json:"success"`
	Result  struct {
		SignedTransaction string `json:"signedTransaction"`
	} `json:"result"`
	RuntimeError string `json:"runtimeError"`
}

// Sign 将未签名交易提交给签名服务，返回已签名交易的原始字节。
func (c *Client) Sign(ctx context.Context, unsigned []byte, delegator common.Address) ([]byte, error) {
	payload, err := json.Marshal(signRequest{
		SerializedTransaction:  hexutil.Encode(unsigned),
		DelegatorPkpEthAddress: delegator.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化签名请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sign", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建签名请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求签名服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeSigningDenied,
			fmt.Sprintf("signing denied for %s: %s", delegator.Hex(), strings.TrimSpace(string(body))),
			xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("签名服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析签名响应失败: %w", err)
	}
	if !decoded.Success {
		msg := strings.TrimSpace(decoded.RuntimeError)
		if msg == "" {
			msg = "signer rejected the transaction"
		}
		return nil, xerrors.New(CodeSigningDenied, msg)
	}
	if decoded.Result.SignedTransaction == "" {
		return nil, errors.New("签名服务未返回已签名交易")
	}
	signed, err := hexutil.Decode(decoded.Result.SignedTransaction)
	if err != nil {
		return nil, fmt.Errorf("解析已签名交易失败: %w", err)
	}
	return signed, nil
}
