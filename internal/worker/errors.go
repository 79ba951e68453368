package worker

import (
	"net/http"

	xerrors "OpenMCP-Autopilot/internal/errors"
)

// worker 专用错误码。
const (
	CodeAlreadyRunning xerrors.Code = "WORKER_ALREADY_RUNNING"
	CodeNotFound       xerrors.Code = "WORKER_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeAlreadyRunning, xerrors.Attributes{
		Message:    "worker already running",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:    "worker not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
}

// 用于 errors.Is 判断的哨兵错误，按错误码匹配。
var (
	ErrAlreadyRunning = xerrors.New(CodeAlreadyRunning, "")
	ErrNotFound       = xerrors.New(CodeNotFound, "")
)
