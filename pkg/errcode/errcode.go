// Package errcode defines the bus-wide error taxonomy shared by every
// admin request path and telemetry record.
package errcode

import "fmt"

// Code is a compact integer error taxonomy. Zero always means success.
type Code int

const (
	Success Code = 0

	// Node errors.
	NodeNotExist Code = 1000 + iota
	NodeExist
	NodeStateInvalid
	NodeNotAllow

	// Group errors.
	GroupNotExist Code = 2000 + iota
	GroupConflict
	GroupMaxGroups
	GroupParameterInvalid
	GroupNotSubscribe

	// Tag errors.
	TagNotExist Code = 3000 + iota
	TagNameConflict
	TagTypeMismatch
	TagAttributeNotSupport

	// Library / plugin errors.
	LibraryNotFound Code = 4000 + iota
	LibraryOpenFailed
	LibraryNotAllow
	PluginTypeNotSupport

	// MQTT / upstream transport errors.
	MQTTPublishFailure Code = 5000 + iota
	MQTTSubscribeFailure
	MQTTIsNull
	MQTTDisconnected

	EInternal Code = 9999
)

var names = map[Code]string{
	Success:                "success",
	NodeNotExist:           "NODE_NOT_EXIST",
	NodeExist:              "NODE_EXIST",
	NodeStateInvalid:       "NODE_STATE_INVALID",
	NodeNotAllow:           "NODE_NOT_ALLOW",
	GroupNotExist:          "GROUP_NOT_EXIST",
	GroupConflict:          "GROUP_CONFLICT",
	GroupMaxGroups:         "GROUP_MAX_GROUPS",
	GroupParameterInvalid:  "GROUP_PARAMETER_INVALID",
	GroupNotSubscribe:      "GROUP_NOT_SUBSCRIBE",
	TagNotExist:            "TAG_NOT_EXIST",
	TagNameConflict:        "TAG_NAME_CONFLICT",
	TagTypeMismatch:        "TAG_TYPE_MISMATCH",
	TagAttributeNotSupport: "TAG_ATTRIBUTE_NOT_SUPPORT",
	LibraryNotFound:        "LIBRARY_NOT_FOUND",
	LibraryOpenFailed:      "LIBRARY_OPEN_FAILED",
	LibraryNotAllow:        "LIBRARY_NOT_ALLOW",
	PluginTypeNotSupport:   "PLUGIN_TYPE_NOT_SUPPORT",
	MQTTPublishFailure:     "MQTT_PUBLISH_FAILURE",
	MQTTSubscribeFailure:   "MQTT_SUBSCRIBE_FAILURE",
	MQTTIsNull:             "MQTT_IS_NULL",
	MQTTDisconnected:       "MQTT_DISCONNECTED",
	EInternal:              "EINTERNAL",
}

// String renders the symbolic name of a code, or a numeric fallback.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("CODE_%d", int(c))
}

// CodeError pairs a Code with an optional human-readable diagnostic.
type CodeError struct {
	Code_ Code
	Msg   string
}

func (e *CodeError) Error() string {
	if e.Msg == "" {
		return e.Code_.String()
	}
	return fmt.Sprintf("%s: %s", e.Code_, e.Msg)
}

// Code returns the wrapped taxonomy code.
func (e *CodeError) Code() Code {
	return e.Code_
}

// New builds a CodeError with a diagnostic message.
func New(code Code, msg string) *CodeError {
	return &CodeError{Code_: code, Msg: msg}
}

// Newf builds a CodeError with a formatted diagnostic message.
func Newf(code Code, format string, args ...any) *CodeError {
	return &CodeError{Code_: code, Msg: fmt.Sprintf(format, args...)}
}

// Of extracts the Code carried by err, returning EInternal for any
// error that isn't a *CodeError (including nil, which maps to Success
// only when checked explicitly by the caller).
func Of(err error) Code {
	if err == nil {
		return Success
	}
	if ce, ok := err.(*CodeError); ok {
		return ce.Code_
	}
	return EInternal
}
