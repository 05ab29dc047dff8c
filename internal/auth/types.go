package auth

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "DeFlow/internal/errors"
)

// HeaderDelegator 是上游认证层写入委托人地址的请求头。
const HeaderDelegator = "X-Delegator-Address"

// CodeUnauthenticated 表示请求缺少有效的委托人身份。
const CodeUnauthenticated xerrors.Code = "UNAUTHENTICATED"

func init() {
	xerrors.Register(CodeUnauthenticated, xerrors.Attributes{
		Message:  "missing or invalid delegator identity",
		Severity: xerrors.SeverityInfo,
	})
}

var (
	// ErrMissingIdentity 表示请求未携带委托人地址。
	ErrMissingIdentity = xerrors.New(CodeUnauthenticated, "missing delegator identity")
	// ErrInvalidIdentity 表示委托人地址格式不合法。
	ErrInvalidIdentity = xerrors.New(CodeUnauthenticated, "invalid delegator identity")
)

// Identity 是经过上游认证的委托人。工作流与执行记录都以其小写地址作为归属用户。
type Identity struct {
	Address common.Address
}

// UserID 返回用于存储归属的小写十六进制地址。
func (i Identity) UserID() string {
	return strings.ToLower(i.Address.Hex())
}

// ParseIdentity 解析十六进制地址，拒绝空值与零地址。
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identity{}, ErrMissingIdentity
	}
	if !common.IsHexAddress(raw) {
		return Identity{}, ErrInvalidIdentity
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return Identity{}, ErrInvalidIdentity
	}
	return Identity{Address: addr}, nil
}
