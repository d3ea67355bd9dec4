package errors

import (
	"encoding/json"
)

// Error is one entry of the error body of the distribution API.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Detail  map[string]string `json:"detail,omitempty"`
}

type ErrorList struct {
	Errors []*Error `json:"errors"`
}

type ErrorCode int

//nolint:golint,stylecheck,revive
const (
	BLOB_UPLOAD_INVALID ErrorCode = iota
	BLOB_UPLOAD_UNKNOWN
	DIGEST_INVALID
	MANIFEST_INVALID
	MANIFEST_UNKNOWN
	NAME_INVALID
	NAME_UNKNOWN
	TAG_INVALID
	UNAUTHORIZED
	UNSUPPORTED
	UNKNOWN
)

//nolint:gochecknoglobals
var errorCodes = map[ErrorCode]Error{
	BLOB_UPLOAD_INVALID: {Code: "BLOB_UPLOAD_INVALID", Message: "blob upload invalid"},
	BLOB_UPLOAD_UNKNOWN: {Code: "BLOB_UPLOAD_UNKNOWN", Message: "blob upload unknown to registry"},
	DIGEST_INVALID:      {Code: "DIGEST_INVALID", Message: "provided digest did not match uploaded content"},
	MANIFEST_INVALID:    {Code: "MANIFEST_INVALID", Message: "manifest invalid"},
	MANIFEST_UNKNOWN:    {Code: "MANIFEST_UNKNOWN", Message: "manifest unknown"},
	NAME_INVALID:        {Code: "NAME_INVALID", Message: "invalid repository name"},
	NAME_UNKNOWN:        {Code: "NAME_UNKNOWN", Message: "repository name not known to registry"},
	TAG_INVALID:         {Code: "TAG_INVALID", Message: "manifest tag did not match URI"},
	UNAUTHORIZED:        {Code: "UNAUTHORIZED", Message: "authentication required"},
	UNSUPPORTED:         {Code: "UNSUPPORTED", Message: "the operation is unsupported"},
	UNKNOWN:             {Code: "UNKNOWN", Message: "unknown error"},
}

func (e ErrorCode) String() string {
	return errorCodes[e].Code
}

// NewError panics on codes it does not know.
func NewError(code ErrorCode) *Error {
	err, ok := errorCodes[code]
	if !ok {
		panic("unknown error code")
	}

	err.Detail = map[string]string{}

	return &err
}

func (err *Error) AddDetail(m map[string]string) *Error {
	for k, v := range m {
		err.Detail[k] = v
	}

	return err
}

func NewErrorList(errors ...*Error) ErrorList {
	var errList []*Error
	errList = append(errList, errors...)

	return ErrorList{errList}
}

// Codes returns the code of every error in the list, in order.
func (list ErrorList) Codes() []string {
	codes := make([]string, 0, len(list.Errors))
	for _, err := range list.Errors {
		codes = append(codes, err.Code)
	}

	return codes
}

// Parse decodes an error body, it reports false when body carries no error.
func Parse(body []byte) (ErrorList, bool) {
	var list ErrorList

	if err := json.Unmarshal(body, &list); err != nil || len(list.Errors) == 0 {
		return ErrorList{}, false
	}

	return list, true
}
