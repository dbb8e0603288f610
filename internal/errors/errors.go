// Package errors defines the stable error taxonomy returned by the
// decryption core (spec §7: errors are always returned to the caller,
// never logged here).
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error kinds the core returns.
const (
	TypeInvalidKey      = "invalid_key"
	TypeInvalidInput    = "invalid_input"
	TypeIntegrityFailed = "integrity_failure"
	TypeInvalidContainer = "invalid_container"
	TypeInvalidPadding  = "invalid_padding"
	TypeUnknownVariant  = "unknown_variant"
)

// AppError 表示应用程序错误
type AppError struct {
	Type    string   // 错误类型
	Message string   // 错误消息
	Cause   error    // 原始错误
	Stack   []string // 错误堆栈

	// PageIndex is set by IntegrityFailure so callers can recover which
	// page's MAC check failed without parsing Message.
	PageIndex uint32
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// String 返回错误的字符串表示
func (e *AppError) String() string {
	return e.Error()
}

// Unwrap 实现 errors.Unwrap 接口，用于错误链
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithStack 添加堆栈信息到错误
func (e *AppError) WithStack() *AppError {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	stack := make([]string, 0, n)
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}

	e.Stack = stack
	return e
}

// New 创建新的应用错误
func New(errType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// Wrap 包装现有错误为 AppError
func Wrap(err error, errType, message string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是 AppError，保留原始类型但更新消息
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:    appErr.Type,
			Message: message,
			Cause:   appErr.Cause,
			Stack:   appErr.Stack,
		}
	}

	return New(errType, message, err)
}

// Is 检查错误是否为特定类型
func Is(err error, errType string) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errType
	}

	return false
}

// GetType 获取错误类型
func GetType(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}

	return "unknown"
}

// RootCause 获取错误链中的根本原因
func RootCause(err error) error {
	for err != nil {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// ErrInvalidArg 无效参数错误
func ErrInvalidArg(param string) *AppError {
	return New(TypeInvalidInput, fmt.Sprintf("invalid arg: %s", param), nil).WithStack()
}

// 密钥相关错误

// InvalidKey 创建无效密钥错误（十六进制解码失败、长度不对或 MAC 校验失败）
func InvalidKey(reason string, cause error) *AppError {
	return New(TypeInvalidKey, reason, cause).WithStack()
}

// 输入相关错误

// InvalidInput 创建无效输入错误（文件过短、读取失败等）
func InvalidInput(message string, cause error) *AppError {
	return New(TypeInvalidInput, message, cause).WithStack()
}

// OpenFileFailed 创建无法打开文件错误
func OpenFileFailed(path string, cause error) *AppError {
	return New(TypeInvalidInput, fmt.Sprintf("failed to open file: %s", path), cause).WithStack()
}

// StatFileFailed 创建无法获取文件信息错误
func StatFileFailed(path string, cause error) *AppError {
	return New(TypeInvalidInput, fmt.Sprintf("failed to stat file: %s", path), cause).WithStack()
}

// ReadFileFailed 创建无法读取文件错误
func ReadFileFailed(path string, cause error) *AppError {
	return New(TypeInvalidInput, fmt.Sprintf("failed to read file: %s", path), cause).WithStack()
}

// IncompleteRead 创建读取不完整错误
func IncompleteRead(cause error) *AppError {
	return New(TypeInvalidInput, "incomplete read", cause).WithStack()
}

// WriteOutputFailed 创建写入输出失败错误
func WriteOutputFailed(cause error) *AppError {
	return New(TypeInvalidInput, "failed to write decryption output", cause).WithStack()
}

// 页面完整性错误

// IntegrityFailure 创建页面 MAC 校验失败错误
func IntegrityFailure(pageIndex uint32) *AppError {
	err := New(TypeIntegrityFailed, fmt.Sprintf("hash verification failed for page %d", pageIndex), nil).WithStack()
	err.PageIndex = pageIndex
	return err
}

// 媒体容器错误

// InvalidContainer 创建媒体容器格式非法错误
func InvalidContainer(reason string) *AppError {
	return New(TypeInvalidContainer, reason, nil).WithStack()
}

// InvalidPadding 创建 PKCS7 填充非法错误
func InvalidPadding(reason string) *AppError {
	return New(TypeInvalidPadding, reason, nil).WithStack()
}

// UnknownVariant 创建未知媒体容器变体错误
func UnknownVariant(reason string) *AppError {
	return New(TypeUnknownVariant, reason, nil).WithStack()
}

var (
	// ErrAlreadyDecrypted is returned when the first page's header already
	// carries the SQLite magic, so there is nothing to decrypt.
	ErrAlreadyDecrypted = New(TypeInvalidInput, "database file is already decrypted", nil)

	// ErrIncorrectKey is the page-0 MAC verification failure path; it is
	// the authoritative key check (spec §4.3 step 4).
	ErrIncorrectKey = New(TypeInvalidKey, "incorrect decryption key", nil)

	// ErrEmptyInput is returned when a file has zero pages.
	ErrEmptyInput = New(TypeInvalidInput, "file too small to be a valid database", nil)

	// ErrOperationCanceled is returned when the caller's context is
	// canceled mid-decryption.
	ErrOperationCanceled = New(TypeInvalidInput, "decryption operation was canceled", nil)

	// ErrTruncatedMagic is returned by media variant detection when
	// fewer than 6 bytes are available to test for a V4 magic.
	ErrTruncatedMagic = New(TypeInvalidInput, "input too short to detect container variant", nil)
)
