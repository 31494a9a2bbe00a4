package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/governance"
	"github.com/agentbureau/bureau/pkg/provider"
	"github.com/agentbureau/bureau/pkg/redact"
)

const protocolVersion = "2.0"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeApplication    = -32000
)

// request is one decoded input line. A missing ID marks a
// notification, which never gets a response.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcError is the error member of a response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// response answers one request. ID carries the request's id verbatim
// and serializes as null when the request was unparseable.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// serverNotification is a server-initiated output line with no id.
type serverNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// reasonCoder is implemented by domain errors carrying a stable
// machine-readable category for clients.
type reasonCoder interface {
	ReasonCode() string
}

// toError translates a handler error into the wire error object.
// Validation failures become -32602; everything else is an application
// error, with reason-coded errors contributing structured data.
func toError(err error) *rpcError {
	var (
		secret  *redact.SecretDetectedError
		denied  *governance.PolicyDeniedError
		refused *provider.SubscriptionRequiredError
		invalid validator.ValidationErrors
	)
	switch {
	case errors.As(err, &secret):
		return &rpcError{Code: codeApplication, Message: err.Error(), Data: map[string]any{
			"reason_code":     secret.ReasonCode(),
			"total_matches":   secret.TotalMatches,
			"matches_by_kind": secret.MatchesByKind,
		}}
	case errors.As(err, &denied):
		return &rpcError{Code: codeApplication, Message: err.Error(), Data: map[string]any{
			"reason_code": denied.ReasonCode(),
			"rule":        denied.Trace.Rule,
			"reason":      denied.Trace.Reason,
		}}
	case errors.As(err, &refused):
		return &rpcError{Code: codeApplication, Message: err.Error(), Data: map[string]any{
			"reason_code": refused.ReasonCode(),
			"provider":    refused.Provider,
			"reason":      refused.Reason,
		}}
	case errors.As(err, &invalid):
		return &rpcError{Code: codeInvalidParams, Message: "invalid params", Data: map[string]any{
			"issues": validationIssues(invalid),
		}}
	case errdefs.IsValidation(err):
		return &rpcError{Code: codeInvalidParams, Message: err.Error()}
	}

	var rc reasonCoder
	if errors.As(err, &rc) {
		return &rpcError{Code: codeApplication, Message: err.Error(), Data: map[string]any{
			"reason_code": rc.ReasonCode(),
		}}
	}
	return &rpcError{Code: codeApplication, Message: err.Error()}
}

// validationIssues renders one line per failed field so clients can
// point at the offending parameter.
func validationIssues(errs validator.ValidationErrors) []string {
	issues := make([]string, 0, len(errs))
	for _, fe := range errs {
		issues = append(issues, fmt.Sprintf("%s: failed on %q", fe.Namespace(), fe.Tag()))
	}
	return issues
}
