package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess     = 0
	CodeParamError  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeServerError = 500
)

// Business codes. Rejections carrying a ledger error code add it in
// ErrorCode.
const (
	CodeTransferNotActive = 1001
	CodeUnknownGuard      = 1002
	CodeRejected          = 1003
	CodeSagaInvalid       = 1004
)

type Response struct {
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	ErrorCode string            `json:"error_code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Data      interface{}       `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    CodeSuccess,
		Message: "created",
		Data:    data,
	})
}

// Replayed answers a repeated request (same idempotency key) with 200 and
// the resource created the first time.
func Replayed(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "duplicate request, returning original",
		Data:    data,
	})
}

func Error(c *gin.Context, status, code int, message string) {
	c.JSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeParamError, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message)
}

func ServerError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, CodeServerError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, http.StatusConflict, code, message)
}

// Rejected reports a business rule violation with its machine code.
func Rejected(c *gin.Context, errorCode, reason string, details map[string]string) {
	c.JSON(http.StatusUnprocessableEntity, Response{
		Code:      CodeRejected,
		Message:   reason,
		ErrorCode: errorCode,
		Details:   details,
	})
}
