package emergency

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Origin tags which entry path an incident arrived through.
type Origin string

const (
	OriginDetected  Origin = "detected"
	OriginRequested Origin = "requested"
)

func (o Origin) Valid() bool {
	return o == OriginDetected || o == OriginRequested
}

type Decision string

const (
	DecisionPending   Decision = "PENDING"
	DecisionEscalated Decision = "ESCALATED"
	DecisionStandard  Decision = "STANDARD"
)

// LegStatus is the completion state of one downstream leg of a case.
type LegStatus string

const (
	LegNotRequested LegStatus = "NOT_REQUESTED"
	LegInFlight     LegStatus = "IN_FLIGHT"
	LegAcknowledged LegStatus = "ACKNOWLEDGED"
	LegFailed       LegStatus = "FAILED"
)

// Terminal reports whether the leg has settled, successfully or not.
func (s LegStatus) Terminal() bool {
	return s == LegAcknowledged || s == LegFailed
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// PatientInfo carries the facts a family member reports about the patient.
// Pointer fields are unknown when nil.
type PatientInfo struct {
	Name          string `json:"name,omitempty"`
	Age           *int   `json:"age,omitempty"`
	Gender        string `json:"gender,omitempty"`
	Conscious     *bool  `json:"conscious,omitempty"`
	Breathing     *bool  `json:"breathing,omitempty"`
	Bleeding      bool   `json:"bleeding,omitempty"`
	EmergencyType string `json:"emergency_type,omitempty"`
	Condition     string `json:"condition,omitempty"`
}

// Contact is who should hear back about a family-submitted request.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IncidentReport is the normalized input shared by both entry paths.
// It is never mutated after the case is created.
type IncidentReport struct {
	SourceRef   string       `json:"source_ref"`
	Description string       `json:"description"`
	Origin      Origin       `json:"origin"`
	ReceivedAt  time.Time    `json:"received_at"`
	Location    *Location    `json:"location,omitempty"`
	Casualties  *int         `json:"casualties,omitempty"`
	Severe      bool         `json:"severe,omitempty"`
	Patient     *PatientInfo `json:"patient,omitempty"`
	Contact     *Contact     `json:"contact,omitempty"`
	Indicators  []string     `json:"indicators,omitempty"`
	Sources     []string     `json:"sources,omitempty"`

	// DetectionConfidence is the feed's own confidence that the incident is real.
	DetectionConfidence float64 `json:"detection_confidence,omitempty"`
}

// Validate rejects reports that cannot become a case.
func (r IncidentReport) Validate() error {
	switch {
	case strings.TrimSpace(r.SourceRef) == "":
		return fmt.Errorf("%w: source reference is required", ErrInvalidIncident)
	case strings.TrimSpace(r.Description) == "":
		return fmt.Errorf("%w: description is required", ErrInvalidIncident)
	case !r.Origin.Valid():
		return fmt.Errorf("%w: unknown origin %q", ErrInvalidIncident, r.Origin)
	case r.Casualties != nil && *r.Casualties < 0:
		return fmt.Errorf("%w: negative casualty count", ErrInvalidIncident)
	case r.DetectionConfidence < 0 || r.DetectionConfidence > 1:
		return fmt.Errorf("%w: detection confidence %.2f out of range", ErrInvalidIncident, r.DetectionConfidence)
	}
	if l := r.Location; l != nil {
		if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalidIncident)
		}
	}
	return nil
}

// AssessmentSource identifies the component that produced every assessment.
const AssessmentSource = "scoring-gateway"

type CriticalityAssessment struct {
	Score      int       `json:"score"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	AssessedAt time.Time `json:"assessed_at"`
	Source     string    `json:"source"`
}

// Severity maps the 0-10 score onto the clinical bands used in dispatch messages.
func (a CriticalityAssessment) Severity() string {
	switch {
	case a.Score >= 8:
		return "critical"
	case a.Score >= 6:
		return "serious"
	case a.Score >= 4:
		return "moderate"
	default:
		return "minor"
	}
}

// Acknowledgment is the validated reply of a downstream sink.
type Acknowledgment struct {
	Reference      string    `json:"reference"`
	Message        string    `json:"message,omitempty"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// EmergencyCase is the aggregate root tracked from ingestion to completion.
type EmergencyCase struct {
	ID         uuid.UUID              `json:"case_id"`
	Incident   IncidentReport         `json:"incident"`
	Assessment *CriticalityAssessment `json:"assessment,omitempty"`
	Decision   Decision               `json:"decision"`

	CorridorStatus LegStatus `json:"corridor_status"`
	HospitalStatus LegStatus `json:"hospital_status"`
	NotifyStatus   LegStatus `json:"notify_status"`

	CorridorAck        *Acknowledgment `json:"corridor_ack,omitempty"`
	HospitalAck        *Acknowledgment `json:"hospital_ack,omitempty"`
	CorridorReleasedAt *time.Time      `json:"corridor_released_at,omitempty"`

	State         State  `json:"state"`
	FailureReason string `json:"failure_reason,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share mutable state with the store.
func (c *EmergencyCase) Clone() *EmergencyCase {
	if c == nil {
		return nil
	}
	out := *c
	out.Incident = c.Incident.clone()
	if c.Assessment != nil {
		a := *c.Assessment
		out.Assessment = &a
	}
	if c.CorridorAck != nil {
		ack := *c.CorridorAck
		out.CorridorAck = &ack
	}
	if c.HospitalAck != nil {
		ack := *c.HospitalAck
		out.HospitalAck = &ack
	}
	if c.CorridorReleasedAt != nil {
		t := *c.CorridorReleasedAt
		out.CorridorReleasedAt = &t
	}
	return &out
}

func (r IncidentReport) clone() IncidentReport {
	out := r
	if r.Location != nil {
		l := *r.Location
		out.Location = &l
	}
	if r.Casualties != nil {
		n := *r.Casualties
		out.Casualties = &n
	}
	if r.Patient != nil {
		p := *r.Patient
		out.Patient = &p
	}
	if r.Contact != nil {
		ct := *r.Contact
		out.Contact = &ct
	}
	out.Indicators = append([]string(nil), r.Indicators...)
	out.Sources = append([]string(nil), r.Sources...)
	return out
}

// checkInvariants guards every write against states the lifecycle forbids.
func (c *EmergencyCase) checkInvariants() error {
	if c.Decision != DecisionEscalated &&
		(c.CorridorStatus != LegNotRequested || c.HospitalStatus != LegNotRequested) {
		return fmt.Errorf("%w: dispatch legs requested for a %s case", ErrInvalidTransition, c.Decision)
	}
	if c.Decision != DecisionPending && c.Assessment == nil {
		return fmt.Errorf("%w: decision without assessment", ErrInvalidTransition)
	}
	if c.State.Terminal() &&
		(c.CorridorStatus == LegInFlight || c.HospitalStatus == LegInFlight || c.NotifyStatus == LegInFlight) {
		return fmt.Errorf("%w: %s with legs still in flight", ErrInvalidTransition, c.State)
	}
	return nil
}

// Active reports whether the case still has work outstanding.
func (c *EmergencyCase) Active() bool {
	return !c.State.Terminal()
}

func newCase(incident IncidentReport, now time.Time) *EmergencyCase {
	return &EmergencyCase{
		ID:             uuid.New(),
		Incident:       incident.clone(),
		Decision:       DecisionPending,
		CorridorStatus: LegNotRequested,
		HospitalStatus: LegNotRequested,
		NotifyStatus:   LegNotRequested,
		State:          StateReceived,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
