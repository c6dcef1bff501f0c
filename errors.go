package msghub

import (
	"errors"
)

// Application errors
var (
	// Lifecycle errors
	ErrAlreadyLaunched = errors.New("application already launched")
	ErrNotLaunched     = errors.New("application not launched")
	ErrStartupAborted  = errors.New("application startup aborted")

	// Gateway registration errors
	ErrNilGateway             = errors.New("gateway cannot be nil")
	ErrInvalidGatewayID       = errors.New("invalid gateway id")
	ErrDuplicateGatewayID     = errors.New("gateway id already registered")
	ErrGatewayAlreadyAttached = errors.New("gateway already attached to an application")
	ErrGatewayMissingBase     = errors.New("gateway must embed GatewayBase")
	ErrUnknownGateway         = errors.New("unknown gateway")

	// Topic and filter errors
	ErrInvalidTopic           = errors.New("invalid topic name")
	ErrInvalidTopicFilter     = errors.New("invalid topic filter")
	ErrWildcardInTopic        = errors.New("topic name must not contain wildcards")
	ErrTopicRejectedByTarget  = errors.New("topic rejected by target gateway")
	ErrFilterMissingLocalPart = errors.New("topic filter has no localized part")

	// Subscription errors
	ErrNilListener = errors.New("message listener cannot be nil")

	// Scheduling errors
	ErrNonPositivePeriod = errors.New("schedule period must be positive")
	ErrNegativeDelay     = errors.New("schedule delay must not be negative")
	ErrNilCallback       = errors.New("callback cannot be nil")

	// Data item errors
	ErrNilItem                     = errors.New("data item cannot be nil")
	ErrInvalidItemID               = errors.New("invalid data item id")
	ErrDuplicateItemID             = errors.New("data item id already registered")
	ErrUnknownItem                 = errors.New("unknown data item")
	ErrItemTypeMismatch            = errors.New("data item value type mismatch")
	ErrItemReadOnly                = errors.New("data item is read-only")
	ErrItemAlreadyAttached         = errors.New("data item already attached")
	ErrItemNotAttached             = errors.New("data item not attached to a launched application")
	ErrNotDataGateway              = errors.New("gateway does not host data items")
	ErrDependenciesOutsideActivate = errors.New("dependencies can only be set during activation")
	ErrSelfDependency              = errors.New("data item cannot depend on itself")
	ErrCrossApplicationDependency  = errors.New("data item dependency belongs to another application")
	ErrDependencyCycle             = errors.New("data item dependency cycle detected")
	ErrDependencyNotAttached       = errors.New("data item dependency is not attached")

	// Observer errors
	ErrNilObserver = errors.New("observer cannot be nil")

	// Configuration errors
	ErrUnsupportedConfigFormat = errors.New("unsupported config file format")
	ErrMissingBrokerURL        = errors.New("mqtt broker url is required")
	ErrMissingBindAddress      = errors.New("http bind address is required")
)
