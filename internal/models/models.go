// Package models defines the core data structures for Respite.
//
// It includes intervention rules, user preferences, context snapshots and the
// persisted intervention state shared across the engine, store and API modules.
package models

import "time"

// TriggerType selects the shape of a rule's trigger condition.
type TriggerType string

const (
	// TriggerTimeBased fires at a wall-clock time or a fixed offset before a calendar event.
	TriggerTimeBased TriggerType = "TIME_BASED"
	// TriggerActivityBased fires when a behavior metric crosses a threshold.
	TriggerActivityBased TriggerType = "ACTIVITY_BASED"
	// TriggerExternalEvent fires when a matching event appears in the context stream.
	TriggerExternalEvent TriggerType = "EXTERNAL_EVENT"
	// TriggerBehaviorPattern fires when the pattern detector reports a pattern.
	TriggerBehaviorPattern TriggerType = "BEHAVIOR_PATTERN"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(tt TriggerType) bool {
	switch tt {
	case TriggerTimeBased, TriggerActivityBased, TriggerExternalEvent, TriggerBehaviorPattern:
		return true
	default:
		return false
	}
}

// Method is the channel an intervention is surfaced through.
type Method string

const (
	MethodBrowserNotification Method = "BROWSER_NOTIFICATION"
	MethodDesktopAlert        Method = "DESKTOP_ALERT"
	MethodAudioReminder       Method = "AUDIO_REMINDER"
	MethodScreenOverlay       Method = "SCREEN_OVERLAY"
	MethodInAppMessage        Method = "IN_APP_MESSAGE"
	// MethodNone means "do not interrupt"; candidates resolving to it are dismissed.
	MethodNone Method = "NONE"
)

// IsValidMethod checks if the given method is supported. The empty method is
// not valid here; callers treat it as "unset".
func IsValidMethod(m Method) bool {
	switch m {
	case MethodBrowserNotification, MethodDesktopAlert, MethodAudioReminder,
		MethodScreenOverlay, MethodInAppMessage, MethodNone:
		return true
	default:
		return false
	}
}

// DeliveryStatus represents the outcome of handing a command to a transport.
type DeliveryStatus string

const (
	// DeliveryStatusSent indicates the transport accepted the command.
	DeliveryStatusSent DeliveryStatus = "sent"
	// DeliveryStatusFailed indicates the transport rejected the command.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// Receipt is one row of the delivery log.
type Receipt struct {
	CommandID  string         `json:"command_id"`
	UserID     string         `json:"user_id"`
	RuleID     string         `json:"rule_id"`
	SubjectKey string         `json:"subject_key"`
	Method     Method         `json:"method"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Time       time.Time      `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusRecorded).
		Build()
}
