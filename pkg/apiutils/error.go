/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package apiutils

import (
	"errors"

	"github.com/gin-gonic/gin"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	apphuberrors "github.com/benediktbwimmer/apphub-sub011/pkg/errors"
)

// ApiError is the unified error response shape, including HTTP code, error
// code, and error message.
type ApiError struct {
	HttpCode     int    `json:"-"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"error"`
}

// Error returns the error message string.
func (err *ApiError) Error() string {
	return err.ErrorMessage
}

// AbortWithApiError converts err into the standardized error format and
// aborts the request with a JSON error response.
func AbortWithApiError(c *gin.Context, err error) {
	handleErrors(c, err)
	rsp := convertToErrResponse(err)
	c.AbortWithStatusJSON(rsp.HttpCode, rsp)
}

// convertToErrResponse converts an error into a standardized ApiError.
// Coded StatusErrors pass through; anything else becomes an internal error.
func convertToErrResponse(err error) ApiError {
	var result *ApiError
	if errors.As(err, &result) {
		return *result
	}
	var statusErr *apierrors.StatusError
	if !errors.As(err, &statusErr) {
		switch {
		case apierrors.IsNotFound(err):
			statusErr = apphuberrors.NewNotFoundWithMessage(err.Error())
		case apierrors.IsBadRequest(err), apierrors.IsInvalid(err):
			statusErr = apphuberrors.NewBadRequest(err.Error())
		case apierrors.IsAlreadyExists(err):
			statusErr = apphuberrors.NewAlreadyExist(err.Error())
		case apierrors.IsForbidden(err):
			statusErr = apphuberrors.NewForbidden(err.Error())
		default:
			statusErr = apphuberrors.NewInternalError(err.Error())
		}
	}
	return ApiError{
		HttpCode:     int(statusErr.Status().Code),
		ErrorCode:    string(statusErr.Status().Reason),
		ErrorMessage: statusErr.Error(),
	}
}

// handleErrors records single errors or error aggregates on the gin context.
func handleErrors(c *gin.Context, err error) {
	var errs []error
	if aggregate, ok := err.(utilerrors.Aggregate); ok {
		errs = aggregate.Errors()
	} else {
		errs = []error{err}
	}
	for _, val := range errs {
		if val != nil {
			_ = c.Error(val)
		}
	}
}
