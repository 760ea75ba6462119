package jobtrack

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope message types. job_update carries a status change published
// by a worker; the rest are session-level control messages.
const (
	TypeJobUpdate = "job_update"
	TypeConnected = "connected"
	TypePing      = "ping"
	TypeEcho      = "echo"
	TypeError     = "error"
)

// Envelope is the JSON message published on the shared update topic and
// forwarded verbatim to the attached client connection.
type Envelope struct {
	JobID               string    `json:"job_id"`
	Status              JobStatus `json:"status,omitempty"`
	Progress            *int      `json:"progress,omitempty"`
	Result              *string   `json:"result,omitempty"`
	Error               *string   `json:"error,omitempty"`
	Message             string    `json:"message,omitempty"`
	Language            *string   `json:"language,omitempty"`
	LanguageProbability *float64  `json:"language_probability,omitempty"`
	ProcessingTime      *float64  `json:"processing_time,omitempty"`
	Type                string    `json:"type,omitempty"`
}

// DecodeEnvelope parses a bus payload. job_id is required; a missing
// type defaults to job_update.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.JobID == "" {
		return nil, errors.New("envelope missing job_id")
	}
	if env.Type == "" {
		env.Type = TypeJobUpdate
	}
	return &env, nil
}

// UpdateFields maps the envelope onto the persistable job fields.
func (e *Envelope) UpdateFields() UpdateFields {
	fields := UpdateFields{
		Result:                e.Result,
		ErrorMessage:          e.Error,
		Language:              e.Language,
		LanguageProbability:   e.LanguageProbability,
		ProcessingTimeSeconds: e.ProcessingTime,
	}
	if e.Status != "" {
		status := e.Status
		fields.Status = &status
	}
	return fields
}
