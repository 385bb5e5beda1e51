package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"
)

type keywordRule struct {
	label    string
	keywords []string
	points   int
}

// Detected incidents are scored on what the report says about the scene.
var sceneRules = []keywordRule{
	{label: "multi-vehicle collision", keywords: []string{"multi-vehicle", "multiple vehicles", "pile-up", "pileup"}, points: 3},
	{label: "high speed", keywords: []string{"high speed", "high-speed", "speeding"}, points: 2},
	{label: "pedestrian involved", keywords: []string{"pedestrian"}, points: 2},
	{label: "fire", keywords: []string{"fire", "burning", "flames"}, points: 4},
	{label: "severe injuries", keywords: []string{"fatal", "critical", "severe"}, points: 3},
	{label: "highway location", keywords: []string{"highway", "expressway", "motorway"}, points: 1},
	{label: "heavy traffic", keywords: []string{"heavy traffic", "congestion"}, points: 1},
	{label: "rush hour", keywords: []string{"rush hour"}, points: 1},
}

// Requested incidents are scored on the emergency type the family reported.
var emergencyTypePoints = map[string]int{
	"cardiac":     4,
	"stroke":      4,
	"unconscious": 4,
	"accident":    3,
	"breathing":   3,
	"bleeding":    3,
	"poisoning":   3,
	"burns":       2,
	"other":       1,
}

type ruleOracle struct{}

// NewRuleOracle scores incidents with a fixed point table. It needs no
// network and is the default when no remote model is configured.
func NewRuleOracle() Oracle {
	return ruleOracle{}
}

func (ruleOracle) Score(ctx context.Context, req Request) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		score      int
		confidence float64
		reasons    []string
	)
	if origin, _ := req.Fields["origin"].(string); origin == "requested" {
		score, confidence, reasons = scorePatient(req)
	} else {
		score, confidence, reasons = scoreScene(req)
	}
	if score > 10 {
		score = 10
	}
	if len(reasons) == 0 {
		reasons = []string{"no risk factors identified"}
	}
	return map[string]any{
		"score":      score,
		"confidence": math.Round(confidence*100) / 100,
		"rationale":  strings.Join(reasons, "; "),
	}, nil
}

func scoreScene(req Request) (int, float64, []string) {
	text := strings.ToLower(req.Description)
	if indicators, ok := req.Fields["indicators"].([]string); ok {
		text += " " + strings.ToLower(strings.Join(indicators, " "))
	}

	var (
		score   int
		matched int
		reasons []string
	)
	for _, rule := range sceneRules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				score += rule.points
				matched++
				reasons = append(reasons, fmt.Sprintf("%s (+%d)", rule.label, rule.points))
				break
			}
		}
	}
	if n, ok := req.Fields["casualties"].(int); ok && n > 0 {
		points := 1
		if n >= 3 {
			points = 2
		}
		score += points
		matched++
		reasons = append(reasons, fmt.Sprintf("%d casualties (+%d)", n, points))
	}

	confidence := 0.5 + 0.1*float64(matched)
	if confidence > 0.95 {
		confidence = 0.95
	}
	return score, confidence, reasons
}

func scorePatient(req Request) (int, float64, []string) {
	var (
		score   int
		known   int
		reasons []string
	)
	add := func(points int, reason string) {
		score += points
		reasons = append(reasons, fmt.Sprintf("%s (+%d)", reason, points))
	}

	if age, ok := req.Fields["patient_age"].(int); ok {
		known++
		switch {
		case age < 1:
			add(3, "infant")
		case age < 5:
			add(2, "young child")
		case age > 75:
			add(2, "elderly patient")
		case age > 65:
			add(1, "senior patient")
		}
	}
	if conscious, ok := req.Fields["patient_conscious"].(bool); ok {
		known++
		if !conscious {
			add(4, "unconscious")
		}
	}
	if breathing, ok := req.Fields["patient_breathing"].(bool); ok {
		known++
		if !breathing {
			add(5, "breathing difficulties")
		}
	}
	if bleeding, _ := req.Fields["patient_bleeding"].(bool); bleeding {
		add(2, "active bleeding")
	}

	kind, _ := req.Fields["emergency_type"].(string)
	kind = strings.ToLower(strings.TrimSpace(kind))
	if points, ok := emergencyTypePoints[kind]; ok {
		known++
		add(points, kind+" emergency")
	} else {
		add(emergencyTypePoints["other"], "unspecified emergency")
	}

	// Confidence grows with how much of the patient picture was reported.
	confidence := 0.5 + 0.1*float64(known)
	return score, confidence, reasons
}
