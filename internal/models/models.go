// package models contains the canonical records shared by the orchestrator,
// the stores, and the event firehose.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of an outbound call.
type CallStatus string

const (
	StatusInitiated       CallStatus = "initiated"
	StatusRinging         CallStatus = "ringing"
	StatusInProgress      CallStatus = "in-progress"
	StatusHumanDetected   CallStatus = "human-detected"
	StatusMachineDetected CallStatus = "machine-detected"
	StatusCompleted       CallStatus = "completed"
	StatusFailed          CallStatus = "failed"
	StatusBusy            CallStatus = "busy"
	StatusNoAnswer        CallStatus = "no-answer"
	StatusCanceled        CallStatus = "canceled"
)

// statusRank orders lifecycle phases so stale webhook deliveries can never
// move a call backwards. Terminal states share the highest rank.
var statusRank = map[CallStatus]int{
	StatusInitiated:       0,
	StatusRinging:         1,
	StatusInProgress:      2,
	StatusHumanDetected:   3,
	StatusMachineDetected: 3,
	StatusCompleted:       4,
	StatusFailed:          4,
	StatusBusy:            4,
	StatusNoAnswer:        4,
	StatusCanceled:        4,
}

// Rank returns the lifecycle ordering of a status. Unknown statuses rank -1.
func (s CallStatus) Rank() int {
	r, ok := statusRank[s]
	if !ok {
		return -1
	}
	return r
}

// Terminal reports whether the status ends the call lifecycle.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// DetectionResult is the normalized AMD outcome across all strategies.
type DetectionResult string

const (
	ResultHuman            DetectionResult = "HUMAN"
	ResultVoicemailStart   DetectionResult = "VOICEMAIL_START"
	ResultVoicemailEndBeep DetectionResult = "VOICEMAIL_END_BEEP"
	ResultFax              DetectionResult = "FAX"
	ResultUndecided        DetectionResult = "UNDECIDED"
	ResultTimeout          DetectionResult = "TIMEOUT"
	ResultError            DetectionResult = "ERROR"
)

// Machine reports whether the result routes to the voicemail branch.
func (r DetectionResult) Machine() bool {
	switch r {
	case ResultVoicemailStart, ResultVoicemailEndBeep, ResultFax:
		return true
	}
	return false
}

// Strategy identifies a detection plugin.
type Strategy string

const (
	StrategyNative      Strategy = "native"
	StrategyHuggingFace Strategy = "huggingface"
	StrategyGemini      Strategy = "gemini"
)

// CallRecord is the durable state of one outbound call attempt. It is created
// when the call is initiated and mutated only by the decision engine until it
// reaches a terminal status.
type CallRecord struct {
	ID              uuid.UUID        `json:"id"`
	CallSID         string           `json:"callSid"`
	From            string           `json:"from"`
	To              string           `json:"to"`
	AgentNumber     string           `json:"agentNumber,omitempty"`
	Strategy        Strategy         `json:"strategy"`
	Status          CallStatus       `json:"status"`
	DetectionResult *DetectionResult `json:"detectionResult,omitempty"`
	Confidence      *float64         `json:"confidence,omitempty"`
	DetectionTimeMs *int             `json:"detectionTimeMs,omitempty"`
	PollCount       int              `json:"pollCount"`
	RetryCount      int              `json:"retryCount"`
	ErrorCode       string           `json:"errorCode,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	RecordingURL    string           `json:"recordingUrl,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	AnsweredAt      *time.Time       `json:"answeredAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// AmdEvent is an append-only audit entry. Many per call; never mutated.
type AmdEvent struct {
	ID         uuid.UUID       `json:"id"`
	CallSID    string          `json:"callSid"`
	EventType  EventType       `json:"eventType"`
	Confidence *float64        `json:"confidence,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// EventType enumerates audit event kinds.
type EventType string

const (
	EventCallInitiated      EventType = "CALL_INITIATED"
	EventCallRinging        EventType = "CALL_RINGING"
	EventCallAnswered       EventType = "CALL_ANSWERED"
	EventHumanDetected      EventType = "HUMAN_DETECTED"
	EventMachineDetected    EventType = "MACHINE_DETECTED"
	EventConfidenceUpdate   EventType = "CONFIDENCE_UPDATE"
	EventUndecidedResult    EventType = "UNDECIDED_RESULT"
	EventErrorOccurred      EventType = "ERROR_OCCURRED"
	EventCallHungup         EventType = "CALL_HUNGUP"
	EventPollCeilingReached EventType = "POLL_CEILING_REACHED"
	EventRecordingReady     EventType = "RECORDING_READY"
)
