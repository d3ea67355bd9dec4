package errors

import "errors"

var (
	ErrBadConfig               = errors.New("config: invalid config")
	ErrUnknownSelectorType     = errors.New("config: unknown selector type")
	ErrUnknownPatternGroup     = errors.New("config: unknown pattern group")
	ErrBadExpression           = errors.New("config: invalid expression")
	ErrRegistryUnreachable     = errors.New("registry: could not connect")
	ErrBadHTTPStatusCode       = errors.New("registry: unexpected http status code")
	ErrMissingLocation         = errors.New("registry: upload location missing")
	ErrMissingDigest           = errors.New("registry: content digest missing")
	ErrGarbageCollect          = errors.New("native: registry garbage-collect failed")
	ErrDaemonExited            = errors.New("native: registry exited before it was ready")
	ErrDaemonNotRunning        = errors.New("native: registry is not running")
	ErrDaemonAlreadyRunning    = errors.New("native: registry is already running")
	ErrRepoNotFound            = errors.New("repository: not found")
	ErrRetentionPolicyNotFound = errors.New("retention: no policy matches repository")
)
