package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/walletwiz/internal/auth"
	"github.com/hitoshi/walletwiz/internal/middleware"
	"github.com/hitoshi/walletwiz/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 1 << 20

// decodeJSON はリクエストボディをJSONとして読み込む。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("failed to decode request body: %w", err)
	}
	return nil
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeInvalidRequest は400 INVALID_REQUESTを書き込む。
func writeInvalidRequest(w http.ResponseWriter, reason string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPレスポンスに変換する。
// 認証失敗は理由によらず同一の401とし、理由はログにのみ残す。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if auth.IsAuthFailure(err) {
		slog.Info("request rejected",
			slog.String("reason", auth.Reason(err)),
			slog.String("path", r.URL.Path),
		)
		middleware.WriteUnauthorized(w)
		return
	}

	switch {
	case errors.Is(err, auth.ErrEmailTaken):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
		return
	case errors.Is(err, auth.ErrInvalidEmail):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidEmailError())
		return
	case errors.Is(err, auth.ErrWeakPassword):
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewWeakPasswordError(auth.MinPasswordLength, auth.MaxPasswordBytes))
		return
	case errors.Is(err, auth.ErrCurrentPasswordWrong):
		middleware.WriteErrorResponse(w, http.StatusForbidden, model.NewWrongPasswordError())
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidEmail, model.ErrCodeWeakPassword:
		return http.StatusBadRequest
	case model.ErrCodeWrongPassword:
		return http.StatusForbidden
	case model.ErrCodeEmailTaken:
		return http.StatusConflict
	case model.ErrCodeUserNotFound:
		return http.StatusNotFound
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
