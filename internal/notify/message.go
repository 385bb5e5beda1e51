package notify

import (
	"fmt"
	"strings"

	"emergency-orchestrator/internal/dispatch"
	"emergency-orchestrator/internal/emergency"
)

// OperationsMessage is the one-line-per-fact summary posted for dispatchers.
func OperationsMessage(ev emergency.Event) string {
	c := ev.Case
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] case %s\n", ev.Type, c.ID)
	fmt.Fprintf(&b, "Source: %s (%s)\n", c.Incident.SourceRef, c.Incident.Origin)
	fmt.Fprintf(&b, "State: %s\n", c.State)
	if a := c.Assessment; a != nil {
		fmt.Fprintf(&b, "Score: %d/10 (%s), confidence %.2f\n", a.Score, a.Severity(), a.Confidence)
		fmt.Fprintf(&b, "Decision: %s\n", c.Decision)
	}
	if c.Decision == emergency.DecisionEscalated {
		fmt.Fprintf(&b, "Corridor: %s%s\n", c.CorridorStatus, ackSuffix(c.CorridorAck))
		fmt.Fprintf(&b, "Hospital: %s%s\n", c.HospitalStatus, ackSuffix(c.HospitalAck))
	}
	if c.CorridorReleasedAt != nil {
		fmt.Fprintf(&b, "Corridor released at %s\n", c.CorridorReleasedAt.Format("15:04:05"))
	}
	if c.FailureReason != "" {
		fmt.Fprintf(&b, "Failure: %s\n", c.FailureReason)
	}
	fmt.Fprintf(&b, "Incident: %s", c.Incident.Description)
	return b.String()
}

func ackSuffix(ack *emergency.Acknowledgment) string {
	if ack == nil {
		return ""
	}
	return " (ref " + ack.Reference + ")"
}

// FamilyMessage is what the person who requested help receives. It returns
// false for events the family should not hear about.
func FamilyMessage(ev emergency.Event) (string, bool) {
	c := ev.Case
	if c.Incident.Origin != emergency.OriginRequested {
		return "", false
	}

	var b strings.Builder
	patient := "the patient"
	if p := c.Incident.Patient; p != nil && p.Name != "" {
		patient = p.Name
	}

	switch ev.Type {
	case emergency.EventReceived:
		fmt.Fprintf(&b, "Your emergency request for %s has been received.\n", patient)
		fmt.Fprintf(&b, "Emergency ID: %s\n", c.ID)
		b.WriteString("Help is being arranged. Stay with the patient.")
	case emergency.EventEscalated:
		b.WriteString("AMBULANCE DISPATCH CONFIRMATION\n\n")
		fmt.Fprintf(&b, "Patient: %s\n", patient)
		fmt.Fprintf(&b, "Emergency ID: %s\n", c.ID)
		if a := c.Assessment; a != nil {
			fmt.Fprintf(&b, "Patient condition: %s\n", strings.ToUpper(a.Severity()))
			fmt.Fprintf(&b, "Estimated arrival: %d minutes\n", dispatch.ETAHint(a.Score))
		}
		b.WriteString("Green corridor requested. Traffic signals are being coordinated for the fastest transport.\n\n")
		b.WriteString(instructions)
	case emergency.EventStandard:
		fmt.Fprintf(&b, "An ambulance has been assigned for %s.\n", patient)
		fmt.Fprintf(&b, "Emergency ID: %s\n", c.ID)
		if a := c.Assessment; a != nil {
			fmt.Fprintf(&b, "Estimated arrival: %d minutes\n\n", dispatch.ETAHint(a.Score))
		}
		b.WriteString(instructions)
	case emergency.EventFailed:
		fmt.Fprintf(&b, "We could not complete automatic dispatch for %s.\n", patient)
		b.WriteString("A dispatcher is handling your request manually. If the situation worsens, call emergency services directly.")
	default:
		return "", false
	}
	return b.String(), true
}

const instructions = `Stay calm and remain with the patient.
Keep the patient comfortable and warm.
Do not give food or water.
Keep your phone line free for the ambulance crew.`
