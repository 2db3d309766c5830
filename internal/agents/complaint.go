package agents

import "strings"

var (
	tooFormalComplaints = []string{
		"stop being so formal",
		"so formal",
		"too formal",
		"less formal",
		"less formally",
		"more casual",
		"more casually",
		"be casual",
		"слишком формально",
		"слишком официально",
		"менее формально",
		"не так формально",
		"попроще",
		"хватит так официально",
	}
	tooCasualComplaints = []string{
		"too casual",
		"too informal",
		"be more formal",
		"more formally",
		"more professional",
		"слишком неформально",
		"слишком фамильярно",
		"более формально",
		"официальнее",
	}
)

// DetectStyleComplaint looks for the user telling the assistant its style
// is off. It returns the formality the complaint asks for; the latest
// complaint wins.
func DetectStyleComplaint(texts []string) (string, bool) {
	for i := len(texts) - 1; i >= 0; i-- {
		lower := strings.ToLower(texts[i])
		if containsAny(lower, tooCasualComplaints) {
			return FormalityFormal, true
		}
		if containsAny(lower, tooFormalComplaints) {
			return FormalityInformal, true
		}
	}
	return "", false
}
