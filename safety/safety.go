// Package safety implements the rule-based query classifier that gates
// retrieval and generation. Classification is deterministic and purely
// local: no network calls, bounded time.
package safety

import (
	"fmt"
	"log/slog"
	"strings"
)

// FlagKind identifies the concern a flag raises.
type FlagKind string

const (
	FlagMedicalAdvice       FlagKind = "medical_advice"
	FlagEmergency           FlagKind = "emergency"
	FlagInappropriate       FlagKind = "inappropriate"
	FlagDiagnosisRequest    FlagKind = "diagnosis_request"
	FlagPrescriptionRequest FlagKind = "prescription_request"
	FlagTreatmentRequest    FlagKind = "treatment_request"
)

// RiskLevel is the overall risk of answering a query.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Severity thresholds mapping max flag severity to a risk level.
const (
	criticalThreshold = 0.9
	highThreshold     = 0.7
	mediumThreshold   = 0.4
)

// Flag is one typed concern raised by the classifier.
type Flag struct {
	Kind        FlagKind `json:"kind"`
	Severity    float64  `json:"severity"`
	Description string   `json:"description"`
	Mitigation  string   `json:"mitigation"`
}

// Assessment aggregates flags into a gate decision. AllowResponse is false
// exactly when the max flag severity reaches the critical threshold.
type Assessment struct {
	Flags               []Flag    `json:"flags"`
	RiskLevel           RiskLevel `json:"risk_level"`
	AllowResponse       bool      `json:"allow_response"`
	RequiredDisclaimers []string  `json:"required_disclaimers"`
}

// Disclaimers attached to assessments by risk and flag type.
const (
	DisclaimerEmergency = "Please call emergency services immediately if this is a medical emergency."
	DisclaimerHigh      = "Please consult a doctor or certified yoga therapist before attempting these practices."
	DisclaimerMedium    = "Practice with caution and listen to your body."
	DisclaimerPregnancy = "Prenatal yoga should be practiced under expert guidance."
)

// Term sets matched as substrings of the lowercased query.
var (
	emergencyTerms = []string{
		"suicide", "kill myself", "harm myself", "emergency", "call 911",
		"unconscious", "bleeding", "heart failure", "heart attack", "stroke",
	}
	pregnancyTerms = []string{
		"pregnant", "pregnancy", "trimester", "prenatal", "expecting baby",
		"baby bump", "morning sickness",
	}
	conditionTerms = []string{
		"hernia", "glaucoma", "high blood pressure", "hypertension",
		"surgery", "operation", "fracture", "arthritis", "sciatica",
		"slip disc", "slipped disc", "spinal injury", "cardiac", "cancer",
		"tumor",
	}
)

// Classifier assesses queries against the configured term sets. The zero
// value is not usable; construct with NewClassifier.
type Classifier struct {
	emergency  []string
	pregnancy  []string
	conditions []string
	enabled    bool
	logger     *slog.Logger
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger used for internal failures.
func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) { c.logger = l }
}

// Disabled builds a classifier that admits everything.
func Disabled() Option {
	return func(c *Classifier) { c.enabled = false }
}

// NewClassifier returns a classifier over the built-in term sets.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		emergency:  emergencyTerms,
		pregnancy:  pregnancyTerms,
		conditions: conditionTerms,
		enabled:    true,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Assess classifies a query. It never fails: an internal error yields a
// permissive low-risk assessment so the request path can continue.
func (c *Classifier) Assess(query string) (a *Assessment) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("safety: classifier panicked, returning permissive assessment",
				"error", fmt.Sprint(r))
			a = Permissive()
		}
	}()

	if !c.enabled {
		return Permissive()
	}

	q := strings.ToLower(query)

	// Emergencies short-circuit everything else.
	for _, term := range c.emergency {
		if strings.Contains(q, term) {
			return &Assessment{
				Flags: []Flag{{
					Kind:        FlagEmergency,
					Severity:    1.0,
					Description: fmt.Sprintf("query mentions %q", term),
					Mitigation:  "direct to emergency services",
				}},
				RiskLevel:           RiskCritical,
				AllowResponse:       false,
				RequiredDisclaimers: []string{DisclaimerEmergency},
			}
		}
	}

	var flags []Flag
	pregnancyFlagged := false
	for _, term := range c.pregnancy {
		if strings.Contains(q, term) {
			flags = append(flags, Flag{
				Kind:        FlagMedicalAdvice,
				Severity:    0.8,
				Description: fmt.Sprintf("query mentions %q", term),
				Mitigation:  "recommend prenatal expert guidance",
			})
			pregnancyFlagged = true
		}
	}

	// At most one condition flag per query.
	for _, term := range c.conditions {
		if strings.Contains(q, term) {
			flags = append(flags, Flag{
				Kind:        FlagMedicalAdvice,
				Severity:    0.7,
				Description: fmt.Sprintf("query mentions %q", term),
				Mitigation:  "recommend medical consultation",
			})
			break
		}
	}

	var maxSeverity float64
	for _, f := range flags {
		if f.Severity > maxSeverity {
			maxSeverity = f.Severity
		}
	}

	level := RiskLow
	switch {
	case maxSeverity >= criticalThreshold:
		level = RiskCritical
	case maxSeverity >= highThreshold:
		level = RiskHigh
	case maxSeverity >= mediumThreshold:
		level = RiskMedium
	}

	var disclaimers []string
	if level == RiskHigh || level == RiskCritical {
		disclaimers = append(disclaimers, DisclaimerHigh)
	} else if level == RiskMedium {
		disclaimers = append(disclaimers, DisclaimerMedium)
	}
	if pregnancyFlagged {
		disclaimers = append(disclaimers, DisclaimerPregnancy)
	}

	return &Assessment{
		Flags:               flags,
		RiskLevel:           level,
		AllowResponse:       maxSeverity < criticalThreshold,
		RequiredDisclaimers: dedupe(disclaimers),
	}
}

// Permissive is the assessment used when classification is disabled or has
// failed internally.
func Permissive() *Assessment {
	return &Assessment{
		RiskLevel:     RiskLow,
		AllowResponse: true,
	}
}

// dedupe removes duplicates preserving first-occurrence order.
func dedupe(items []string) []string {
	if len(items) < 2 {
		return items
	}
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if !seen[it] {
			seen[it] = true
			out = append(out, it)
		}
	}
	return out
}
