package ingest

import (
	"time"

	"github.com/google/uuid"
)

// DetectedReport is an incident picked up by the automated monitoring feed.
type DetectedReport struct {
	ID                 string    `json:"id"`
	Description        string    `json:"description"`
	Location           string    `json:"location,omitempty"`
	GPSLat             *float64  `json:"gps_lat,omitempty"`
	GPSLon             *float64  `json:"gps_lon,omitempty"`
	Timestamp          time.Time `json:"timestamp,omitempty"`
	SeverityIndicators []string  `json:"severity_indicators,omitempty"`
	NewsSources        []string  `json:"news_sources,omitempty"`
	ConfidenceScore    float64   `json:"confidence_score"`
	EstimatedPatients  *int      `json:"estimated_patients,omitempty"`
}

// FamilyRequest is a help request submitted by a patient's relative.
type FamilyRequest struct {
	RequestID           string    `json:"request_id"`
	CallerName          string    `json:"caller_name"`
	CallerPhone         string    `json:"caller_phone"`
	PatientName         string    `json:"patient_name,omitempty"`
	PatientAge          *int      `json:"patient_age,omitempty"`
	PatientGender       string    `json:"patient_gender,omitempty"`
	EmergencyLocation   string    `json:"emergency_location,omitempty"`
	DetailedAddress     string    `json:"detailed_address,omitempty"`
	GPSLat              *float64  `json:"gps_lat,omitempty"`
	GPSLon              *float64  `json:"gps_lon,omitempty"`
	EmergencyType       string    `json:"emergency_type,omitempty"`
	CriticalityLevel    string    `json:"criticality_level,omitempty"`
	PatientCondition    string    `json:"patient_condition,omitempty"`
	SymptomsDescription string    `json:"symptoms_description,omitempty"`
	IsPatientBreathing  *bool     `json:"is_patient_breathing,omitempty"`
	IsPatientConscious  *bool     `json:"is_patient_conscious,omitempty"`
	AnyBleeding         bool      `json:"any_bleeding,omitempty"`
	Timestamp           time.Time `json:"timestamp,omitempty"`
}

// Outcome reports what happened to one submitted report.
type Outcome struct {
	SourceRef string    `json:"source_ref"`
	CaseID    uuid.UUID `json:"case_id,omitempty"`
	Discarded bool      `json:"discarded,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`

	err error
}

// Err returns the submission error behind Error, if any.
func (o Outcome) Err() error {
	return o.err
}
