package gin

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	"github.com/x402-foundation/forwarder"
)

var statusByCode = map[string]int{
	forwarder.ErrCodeUnauthorizedRelayer:          http.StatusForbidden,
	forwarder.ErrCodeCallerNotOwner:               http.StatusForbidden,
	forwarder.ErrCodeInvalidSignatureOrNonce:      http.StatusUnprocessableEntity,
	forwarder.ErrCodeGasLimitExceedsMaximum:       http.StatusUnprocessableEntity,
	forwarder.ErrCodeSelfCallsNotAllowed:          http.StatusUnprocessableEntity,
	forwarder.ErrCodeExecutionAborted:             http.StatusUnprocessableEntity,
	forwarder.ErrCodeMaxGasLimitTooLow:            http.StatusUnprocessableEntity,
	forwarder.ErrCodeWithdrawalAmountExceedsLimit: http.StatusUnprocessableEntity,
	forwarder.ErrCodeChangeNotYetDue:              http.StatusConflict,
	forwarder.ErrCodeChangeNotScheduled:           http.StatusConflict,
	forwarder.ErrCodeInsufficientSponsorshipFunds: http.StatusConflict,
	forwarder.ErrCodeReentrantCall:                http.StatusConflict,
	forwarder.ErrCodeInsufficientFunds:            http.StatusBadRequest,
	forwarder.ErrCodeInvalidRequest:               http.StatusBadRequest,
	forwarder.ErrCodePayoutFailed:                 http.StatusBadGateway,
}

// StatusFor maps a forwarder error to its HTTP status
func StatusFor(err error) int {
	var fe *forwarder.Error
	if errors.As(err, &fe) {
		if status, ok := statusByCode[fe.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	status := StatusFor(err)

	var fe *forwarder.Error
	if !errors.As(err, &fe) {
		log.Error("Request failed", "path", c.FullPath(), "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": "internal_error", "message": err.Error()}})
		return
	}
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "path", c.FullPath(), "code", fe.Code, "err", err)
	} else {
		log.Debug("Request rejected", "path", c.FullPath(), "code", fe.Code)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": fe})
}
