package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/webapi/proxyutil"
)

// apiError pairs a stable numeric code with a caller-facing message so the
// proxyutil envelope can carry both.
type apiError struct {
	code    uint32
	message string
}

func (e *apiError) Error() string {
	return e.message
}

func (e *apiError) Code() uint32 {
	return e.code
}

func Success(c *gin.Context, data interface{}) {
	proxyutil.SuccessJson(c, data)
}

// Error writes the failure envelope. The transport status stays 200; the
// numeric code carries the outcome.
func Error(c *gin.Context, code int, message string) {
	proxyutil.FailJson(c, http.StatusOK, &apiError{code: uint32(code), message: message})
}
