package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/signintech/gopdf"

	"emergency-orchestrator/internal/dispatch"
	"emergency-orchestrator/internal/emergency"
)

type TelegramClient interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendDocument(ctx context.Context, chatID int64, fileData []byte, fileName string) error
}

// DefaultFontPaths are the usual DejaVu locations on Alpine and Debian images.
var DefaultFontPaths = []string{
	"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/dejavu/DejaVuSans.ttf",
	"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
}

var errNoFont = errors.New("no usable font")

// Service sends a dispatch summary for every completed case to the
// operations chat. It is a notification channel.
type Service struct {
	tgClient         TelegramClient
	operationsChatID int64
	fontPaths        []string
}

func NewService(tg TelegramClient, operationsChatID int64) *Service {
	return &Service{
		tgClient:         tg,
		operationsChatID: operationsChatID,
		fontPaths:        DefaultFontPaths,
	}
}

func (s *Service) Name() string { return "report" }

// Deliver renders the summary as PDF. Without a font it falls back to a
// plain text message.
func (s *Service) Deliver(ctx context.Context, ev emergency.Event) error {
	if ev.Type != emergency.EventCompleted || s.operationsChatID == 0 {
		return nil
	}
	c := ev.Case

	doc, err := s.Render(c)
	if errors.Is(err, errNoFont) {
		log.WithField("case_id", c.ID).WithError(err).Warn("sending dispatch summary as text")
		return s.tgClient.SendMessage(ctx, s.operationsChatID, strings.Join(SummaryLines(c), "\n"))
	}
	if err != nil {
		return err
	}

	fileName := fmt.Sprintf("dispatch_%s.pdf", c.ID.String())
	if err := s.tgClient.SendDocument(ctx, s.operationsChatID, doc, fileName); err != nil {
		return err
	}
	log.WithFields(log.Fields{"case_id": c.ID, "file": fileName}).Info("dispatch summary sent")
	return nil
}

// Render lays the summary out on a single A4 page.
func (s *Service) Render(c emergency.EmergencyCase) ([]byte, error) {
	pdf := gopdf.GoPdf{}
	pdf.Start(gopdf.Config{PageSize: *gopdf.PageSizeA4})
	pdf.AddPage()

	var fontErr error
	fontLoaded := false
	for _, path := range s.fontPaths {
		if err := pdf.AddTTFFont("DejaVu", path); err == nil {
			fontLoaded = true
			break
		} else {
			fontErr = err
		}
	}
	if !fontLoaded {
		return nil, fmt.Errorf("%w: %v", errNoFont, fontErr)
	}

	if err := pdf.SetFont("DejaVu", "", 18); err != nil {
		return nil, err
	}
	if err := pdf.Cell(nil, "Emergency Dispatch Summary"); err != nil {
		return nil, err
	}
	pdf.Br(28)

	if err := pdf.SetFont("DejaVu", "", 11); err != nil {
		return nil, err
	}
	for _, line := range SummaryLines(c) {
		wrapped, err := pdf.SplitText(line, 500)
		if err != nil {
			return nil, err
		}
		for _, l := range wrapped {
			if err := pdf.Cell(nil, l); err != nil {
				return nil, err
			}
			pdf.Br(14)
		}
	}

	var buf bytes.Buffer
	if _, err := pdf.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

// SummaryLines is the content of the dispatch summary, one fact per line.
func SummaryLines(c emergency.EmergencyCase) []string {
	lines := []string{
		fmt.Sprintf("Case: %s", c.ID),
		fmt.Sprintf("Generated: %s", time.Now().UTC().Format("02.01.2006 15:04 MST")),
		fmt.Sprintf("Source: %s (%s)", c.Incident.SourceRef, c.Incident.Origin),
		fmt.Sprintf("Received: %s", c.Incident.ReceivedAt.UTC().Format(time.RFC3339)),
	}
	if l := c.Incident.Location; l != nil {
		loc := fmt.Sprintf("Location: %.5f, %.5f", l.Latitude, l.Longitude)
		if l.Address != "" {
			loc += " (" + l.Address + ")"
		}
		lines = append(lines, loc)
	}
	if p := c.Incident.Patient; p != nil && p.Name != "" {
		lines = append(lines, "Patient: "+p.Name)
	}
	lines = append(lines, "Incident: "+c.Incident.Description, "")

	if a := c.Assessment; a != nil {
		lines = append(lines,
			fmt.Sprintf("Criticality: %d/10 (%s), confidence %.2f", a.Score, a.Severity(), a.Confidence),
			"Rationale: "+a.Rationale,
		)
	}
	lines = append(lines, fmt.Sprintf("Decision: %s", c.Decision))

	if c.Decision == emergency.DecisionEscalated {
		lines = append(lines,
			fmt.Sprintf("Green corridor: %s%s", c.CorridorStatus, reference(c.CorridorAck)),
			fmt.Sprintf("Hospital: %s%s", c.HospitalStatus, reference(c.HospitalAck)),
		)
		if c.Assessment != nil {
			lines = append(lines, fmt.Sprintf("Estimated response: %d minutes", dispatch.ETAHint(c.Assessment.Score)))
			lines = append(lines, "Hospital preparations:")
			for _, p := range dispatch.Preparations(c.Assessment.Score) {
				lines = append(lines, "  - "+p)
			}
		}
	}
	lines = append(lines, fmt.Sprintf("Total handling time: %s", c.UpdatedAt.Sub(c.CreatedAt).Round(time.Millisecond)))
	return lines
}

func reference(ack *emergency.Acknowledgment) string {
	if ack == nil {
		return ""
	}
	return " (ref " + ack.Reference + ")"
}
