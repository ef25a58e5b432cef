/*
 * Copyright (C) 2025-2026, AppHub Authors. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"fmt"
	"net/http"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const AppHubPrefix = "AppHub."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00-99), used to distinguish errors from different subsystems.
   00: General errors
   01: Queue and pipeline errors
   02: Sandbox errors
   03: Bundle errors
   [yyy] Error code range (000-999)
*/

// public: 00xxx
const (
	InternalError = AppHubPrefix + "00001"
	BadRequest    = AppHubPrefix + "00002"
	Forbidden     = AppHubPrefix + "00003"
	AlreadyExist  = AppHubPrefix + "00004"
	NotFound      = AppHubPrefix + "00005"
	Conflict      = AppHubPrefix + "00006"
	Unauthorized  = AppHubPrefix + "00007"
)

// queue and pipeline: 01xxx
const (
	QueueUnavailable = AppHubPrefix + "01001"
	DependencyFailed = AppHubPrefix + "01002"
)

// sandbox: 02xxx
const (
	SandboxTimeout   = AppHubPrefix + "02001"
	SandboxCrash     = AppHubPrefix + "02002"
	SandboxViolation = AppHubPrefix + "02003"
)

// bundle: 03xxx
const (
	BundleUnrecoverable = AppHubPrefix + "03001"
	ChecksumMismatch    = AppHubPrefix + "03002"
)

// IsAppHub returns true if the error carries an AppHub reason code.
func IsAppHub(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(string(apierrors.ReasonForError(err)), AppHubPrefix)
}

func IsBadRequest(err error) bool {
	return apierrors.ReasonForError(err) == BadRequest
}

func IsNotFound(err error) bool {
	return apierrors.ReasonForError(err) == NotFound
}

func IsConflict(err error) bool {
	return apierrors.ReasonForError(err) == Conflict
}

func IsAlreadyExist(err error) bool {
	return apierrors.ReasonForError(err) == AlreadyExist
}

func IsQueueUnavailable(err error) bool {
	return apierrors.ReasonForError(err) == QueueUnavailable
}

func IsSandboxTimeout(err error) bool {
	return apierrors.ReasonForError(err) == SandboxTimeout
}

func IsSandboxCrash(err error) bool {
	return apierrors.ReasonForError(err) == SandboxCrash
}

func IsSandboxViolation(err error) bool {
	return apierrors.ReasonForError(err) == SandboxViolation
}

func IsBundleUnrecoverable(err error) bool {
	return apierrors.ReasonForError(err) == BundleUnrecoverable
}

func IsChecksumMismatch(err error) bool {
	return apierrors.ReasonForError(err) == ChecksumMismatch
}

// IsRetryable reports whether a job-run failure may be retried under policy.
// Violations, unrecoverable bundles and invalid inputs are permanent;
// everything else is left to the retry policy.
func IsRetryable(err error) bool {
	switch apierrors.ReasonForError(err) {
	case SandboxViolation, BundleUnrecoverable, BadRequest, NotFound:
		return false
	}
	return true
}

func IgnoreNotFound(err error) error {
	if err == nil || IsNotFound(err) {
		return nil
	}
	return err
}

// GetErrorCode returns the AppHub reason code, or "" for foreign errors.
func GetErrorCode(err error) string {
	if err == nil || !IsAppHub(err) {
		return ""
	}
	return string(apierrors.ReasonForError(err))
}

func NewBadRequest(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadRequest,
		Reason:  BadRequest,
		Message: fmt.Sprintf("Bad request. %s", message),
	}}
}

func NewInternalError(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  InternalError,
		Message: fmt.Sprintf("Internal error. %s", message),
	}}
}

func NewAlreadyExist(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  AlreadyExist,
		Message: message,
	}}
}

func NewConflict(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusConflict,
		Reason:  Conflict,
		Message: message,
	}}
}

func NewForbidden(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusForbidden,
		Reason:  Forbidden,
		Message: message,
	}}
}

func NewUnauthorized(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusUnauthorized,
		Reason:  Unauthorized,
		Message: message,
	}}
}

func NewNotFound(kind, name string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status: metav1.StatusFailure,
		Code:   http.StatusNotFound,
		Reason: NotFound,
		Details: &metav1.StatusDetails{
			Kind: kind,
			Name: name,
		},
		Message: fmt.Sprintf("%s %s not found.", kind, name),
	}}
}

func NewNotFoundWithMessage(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusNotFound,
		Reason:  NotFound,
		Message: message,
	}}
}

func NewQueueUnavailable(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  QueueUnavailable,
		Message: fmt.Sprintf("Queue unavailable. %s", message),
	}}
}

func NewDependencyFailed(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  DependencyFailed,
		Message: message,
	}}
}

func NewSandboxTimeout(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  SandboxTimeout,
		Message: message,
	}}
}

func NewSandboxCrash(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  SandboxCrash,
		Message: message,
	}}
}

func NewSandboxViolation(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  SandboxViolation,
		Message: message,
	}}
}

func NewBundleUnrecoverable(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusInternalServerError,
		Reason:  BundleUnrecoverable,
		Message: message,
	}}
}

func NewChecksumMismatch(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  ChecksumMismatch,
		Message: message,
	}}
}
