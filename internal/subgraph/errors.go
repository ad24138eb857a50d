package subgraph

import xerrors "gotchi-caretaker/internal/errors"

const (
	// CodeQueryTransport 表示请求未送达或 HTTP 状态异常。
	CodeQueryTransport   xerrors.Code = "QUERY_TRANSPORT"
	// CodeQuerySchema 表示响应无法解析或缺少字段。
	CodeQuerySchema      xerrors.Code = "QUERY_SCHEMA"
	// CodeQueryApplication 表示响应中带有 GraphQL errors。
	CodeQueryApplication xerrors.Code = "QUERY_APPLICATION"
	// CodeTimestampFormat 表示时间戳不是非负的十进制秒数。
	CodeTimestampFormat  xerrors.Code = "TIMESTAMP_FORMAT"
)

var (
	// ErrQueryTransport 表示请求未能完成或 HTTP 状态异常。
	ErrQueryTransport = xerrors.New(CodeQueryTransport, "")
	// ErrQuerySchema 表示响应结构与预期不符。
	ErrQuerySchema = xerrors.New(CodeQuerySchema, "")
	// ErrQueryApplication 表示索引服务返回了 GraphQL 错误。
	ErrQueryApplication = xerrors.New(CodeQueryApplication, "")
	// ErrTimestampFormat 表示 lastInteracted 不是合法的秒级时间戳。
	ErrTimestampFormat = xerrors.New(CodeTimestampFormat, "")
)

func init() {
	xerrors.Register(CodeQueryTransport, xerrors.Attributes{
		Message:  "ownership query transport failure",
		Severity: xerrors.SeverityWarning,
		Stage:    xerrors.StageOwnership,
		Alert:    true,
	})
	xerrors.Register(CodeQuerySchema, xerrors.Attributes{
		Message:  "ownership query returned an unexpected shape",
		Severity: xerrors.SeverityCritical,
		Stage:    xerrors.StageOwnership,
		Alert:    true,
	})
	xerrors.Register(CodeQueryApplication, xerrors.Attributes{
		Message:  "ownership query rejected by indexer",
		Severity: xerrors.SeverityWarning,
		Stage:    xerrors.StageOwnership,
		Alert:    true,
	})
	xerrors.Register(CodeTimestampFormat, xerrors.Attributes{
		Message:  "malformed last interaction timestamp",
		Severity: xerrors.SeverityCritical,
		Stage:    xerrors.StageOwnership,
		Alert:    true,
	})
}
