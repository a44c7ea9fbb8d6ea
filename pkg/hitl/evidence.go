package hitl

import (
	"fmt"
	"strings"
)

// validationEvidence builds the HITL-5 bundle from the validation and
// security outcomes.
func validationEvidence(task TaskRef, validation, security *stageOutcome) *EvidenceBundle {
	items := evidenceItems(map[string]*stageOutcome{
		StageValidation: validation,
		StageSecurity:   security,
	}, []string{StageValidation, StageSecurity})

	var b strings.Builder
	fmt.Fprintf(&b, "## Validation evidence: task %s\n\n", task.TaskID)
	writeStageSummary(&b, StageValidation, validation)
	writeStageSummary(&b, StageSecurity, security)
	fmt.Fprintf(&b, "\n%d artifact(s) attached.\n", len(items))

	return &EvidenceBundle{
		TaskID:   task.TaskID,
		GateType: GateHITL5Validation,
		GitSHA:   task.GitSHA,
		Items:    items,
		Summary:  b.String(),
	}
}

// releaseEvidence builds the HITL-6 bundle from the release and deployment
// outcomes.
func releaseEvidence(task TaskRef, release, deployment *stageOutcome) *EvidenceBundle {
	items := evidenceItems(map[string]*stageOutcome{
		StageRelease:    release,
		StageDeployment: deployment,
	}, []string{StageRelease, StageDeployment})

	var b strings.Builder
	fmt.Fprintf(&b, "## Release evidence: task %s\n\n", task.TaskID)
	writeStageSummary(&b, StageRelease, release)
	writeStageSummary(&b, StageDeployment, deployment)
	fmt.Fprintf(&b, "\n%d artifact(s) attached.\n", len(items))

	return &EvidenceBundle{
		TaskID:   task.TaskID,
		GateType: GateHITL6Release,
		GitSHA:   task.GitSHA,
		Items:    items,
		Summary:  b.String(),
	}
}

// evidenceItems flattens stage artifacts into ordered bundle items.
// Content hashing is a downstream concern; the field is left empty.
func evidenceItems(stages map[string]*stageOutcome, order []string) []EvidenceItem {
	var items []EvidenceItem
	for _, stage := range order {
		outcome := stages[stage]
		if outcome == nil {
			continue
		}
		for _, path := range outcome.artifacts {
			items = append(items, EvidenceItem{
				ItemType:    stage,
				Path:        path,
				Description: fmt.Sprintf("%s artifact", stage),
			})
		}
	}
	return items
}

// writeStageSummary renders one stage line: pass/fail plus test counts
// when the report carries them.
func writeStageSummary(b *strings.Builder, stage string, outcome *stageOutcome) {
	verdict := "FAIL"
	if outcome.passed {
		verdict = "PASS"
	}
	fmt.Fprintf(b, "- %s: %s", stage, verdict)
	if passed, ok := reportCount(outcome.report, "tests_passed"); ok {
		failed, _ := reportCount(outcome.report, "tests_failed")
		fmt.Fprintf(b, " (%d passed, %d failed)", passed, failed)
	}
	if !outcome.passed && outcome.errorMessage != "" {
		fmt.Fprintf(b, " (%s)", outcome.errorMessage)
	}
	b.WriteString("\n")
}

// reportCount reads a numeric report field; JSON decoding yields float64,
// direct construction yields int.
func reportCount(report map[string]any, key string) (int, bool) {
	switch v := report[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
