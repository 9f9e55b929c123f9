package chat

import (
	"Meower/service/restapi"
	"Meower/tools/errs"

	"github.com/pkg/errors"
)

// statuscode names
const (
	CodeOK                 = "OK"
	CodeSyntax             = "Syntax"
	CodeDatatype           = "Datatype"
	CodeIDNotFound         = "IDNotFound"
	CodeInternal           = errs.CodeInternal
	CodeRateLimit          = "RateLimit"
	CodeTooLarge           = "TooLarge"
	CodeRefused            = "Refused"
	CodeInvalid            = "Invalid"
	CodeBlocked            = "Blocked"
	CodeTAEnabled          = "TAEnabled"
	CodePasswordInvalid    = "PasswordInvalid"
	Code2FARequired        = "2FARequired"
	CodeMissingPermissions = "MissingPermissions"
	CodeBanned             = "Banned"
	CodeKicked             = "Kicked"
	CodeDeleted            = "Deleted"
	CodeDisconnected       = "Disconnected"
)

var statuscodes = map[string]string{
	CodeOK:                 "I:100 | OK",
	CodeSyntax:             "E:101 | Syntax",
	CodeDatatype:           "E:102 | Datatype",
	CodeIDNotFound:         "E:103 | ID not found",
	CodeInternal:           "E:104 | Internal",
	CodeRateLimit:          "E:106 | Too many requests",
	CodeTooLarge:           "E:107 | Packet too large",
	CodeTAEnabled:          "I:112 | Trusted Access enabled",
	CodeRefused:            "E:115 | Refused",
	CodeInvalid:            "E:118 | Invalid command",
	CodeBlocked:            "E:119 | IP Blocked",
	CodePasswordInvalid:    "I:011 | Invalid Password",
	Code2FARequired:        "I:016 | 2FA Required",
	CodeMissingPermissions: "I:017 | Missing permissions",
	CodeBanned:             "E:018 | Account Banned",
	CodeKicked:             "E:020 | Kicked",
	CodeDeleted:            "E:024 | Account Deleted",
	CodeDisconnected:       "E:029 | Disconnected",
}

// Statuscode returns the wire token for a code name; unknown names map to Internal.
func Statuscode(name string) string {
	if s, ok := statuscodes[name]; ok {
		return s
	}
	return statuscodes[CodeInternal]
}

var (
	ErrSyntax    = errs.NewCodeError(CodeSyntax, "malformed command")
	ErrDatatype  = errs.NewCodeError(CodeDatatype, "wrong value type")
	ErrInvalid   = errs.NewCodeError(CodeInvalid, "unknown command")
	ErrRefused   = errs.NewCodeError(CodeRefused, "not authenticated")
	ErrTooLarge  = errs.NewCodeError(CodeTooLarge, "value too large")
	ErrInternal  = errs.NewCodeError(CodeInternal, "internal error")
	ErrRateLimit = errs.NewCodeError(CodeRateLimit, "rate limited")

	ErrPasswordInvalid = errs.NewCodeError(CodePasswordInvalid, "invalid token")
)

// REST tier error type -> statuscode
var apiErrorStatuscodes = map[string]string{
	restapi.TypeAccountBanned:       CodeBanned,
	restapi.TypeAccountDeleted:      CodeDeleted,
	restapi.TypeBadRequest:          CodeSyntax,
	restapi.TypeIPBlocked:           CodeBlocked,
	restapi.TypeMFARequired:         Code2FARequired,
	restapi.TypeRegistrationBlocked: CodeBlocked,
	restapi.TypeTooManyRequests:     CodeRateLimit,
	restapi.TypeUnauthorized:        CodePasswordInvalid,
}

// apiFailure maps a REST client error to a statuscode; kick is set for repair mode.
func apiFailure(err error) (code string, kick bool) {
	if err == nil {
		return CodeOK, false
	}
	if ae, ok := restapi.AsAPIError(err); ok {
		if ae.Type == restapi.TypeRepairModeEnabled {
			return CodeKicked, true
		}
		if code, ok := apiErrorStatuscodes[ae.Type]; ok {
			return code, false
		}
		return CodeInternal, false
	}
	// transport failures, timeouts, open breaker
	return CodeInternal, false
}

// ErrHandled tells the session loop the handler already answered the client.
var ErrHandled = errors.New("reply already sent")
