package api

import (
	"encoding/json"
	"net/http"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

type errorBody struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 根据错误码的分类选择 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if xe, ok := xerrors.From(err); ok {
		message = xe.Detail()
	}
	writeJSON(w, statusFor(code), errorBody{Error: message, Code: code})
}

func writeMessage(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

var kindStatus = map[xerrors.Kind]int{
	xerrors.KindInvalid:       http.StatusBadRequest,
	xerrors.KindNotFound:      http.StatusNotFound,
	xerrors.KindConflict:      http.StatusConflict,
	xerrors.KindForbidden:     http.StatusForbidden,
	xerrors.KindTimeout:       http.StatusGatewayTimeout,
	xerrors.KindUnavailable:   http.StatusServiceUnavailable,
	xerrors.KindUnprocessable: http.StatusUnprocessableEntity,
}

func statusFor(code xerrors.Code) int {
	if status, ok := kindStatus[xerrors.AttributesOf(code).Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
