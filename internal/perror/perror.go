// Package perror implements the structured error kinds of §7: each error
// carries a Kind alongside the usual error chain so that connection
// handlers, the management API and the logger can each react to the same
// error object without re-classifying its text.
package perror

import (
	"errors"
	"fmt"

	"github.com/stamatisl/privaxy/framework/exterrors"
)

// Kind classifies an error for the purposes of client-visible status codes
// and retry/propagation behavior.
type Kind string

const (
	ClientProtocol      Kind = "client_protocol"       // malformed HTTP from client -> 400 + close
	UpstreamUnreachable Kind = "upstream_unreachable"   // -> 502
	UpstreamTimeout     Kind = "upstream_timeout"       // -> 504
	TLSHandshake        Kind = "tls_handshake"          // -> close with alert
	CaUnavailable       Kind = "ca_unavailable"         // refuse MITM, fall back per policy
	FilterParse         Kind = "filter_parse"           // logged, rule skipped
	FilterFetch         Kind = "filter_fetch"           // logged, previous bundle retained
	ConfigInvalid       Kind = "config_invalid"         // startup: abort; reload: reject, keep previous
)

// HTTPStatus returns the status code a Kind maps to when it must be
// reflected to an HTTP client, either on the data plane or from the
// management API.
func (k Kind) HTTPStatus() int {
	switch k {
	case ClientProtocol, ConfigInvalid, FilterParse:
		return 400
	case UpstreamUnreachable, CaUnavailable:
		return 502
	case UpstreamTimeout:
		return 504
	default:
		return 500
	}
}

type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %s", w.kind, w.err)
}

func (w *wrapped) Unwrap() error {
	return w.err
}

func (w *wrapped) Fields() map[string]interface{} {
	return map[string]interface{}{"kind": string(w.kind)}
}

// New wraps err with kind, attaching it to the exterrors.Fields chain so
// that log.Logger.Error renders {"kind": "..."} automatically.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

// Newf is New(kind, fmt.Errorf(format, args...)).
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind attached to err by New, if any.
func KindOf(err error) (Kind, bool) {
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind, true
	}
	return "", false
}

// Fields is a re-export of exterrors.Fields for callers that only import
// perror.
var Fields = exterrors.Fields
