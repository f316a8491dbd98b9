// Package service 实现了应用程序的业务逻辑层。
package service

import "errors"

// 业务错误哨兵。处理器层用 errors.Is 将其映射为对应的 HTTP 状态码：
// ErrNotFound → 404，ErrInvalidState → 400，其余 → 500。
var (
	// ErrNotFound 任务/文件/盘符不存在，或不属于当前调用者。
	ErrNotFound = errors.New("资源不存在或无权访问")
	// ErrInvalidState 当前状态不允许此操作，例如对非失败文件发起重试、
	// 对没有分片会话的文件调用分片接口。
	ErrInvalidState = errors.New("当前状态不允许此操作")
)
