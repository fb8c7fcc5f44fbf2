package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ekaya-inc/ontology-engine/pkg/config"
	"github.com/ekaya-inc/ontology-engine/pkg/models"
	"github.com/ekaya-inc/ontology-engine/pkg/services"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeStatus(w io.Writer, format string, s *services.CycleStatus) error {
	if format == "json" {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "State:        %s\n", s.State)
	fmt.Fprintf(w, "Version:      %s (previous %q)\n", s.Version, s.PreviousVersion)
	fmt.Fprintf(w, "Entities:     %d/%d processed, %d failed\n", s.EntitiesCompleted, s.EntitiesTotal, s.EntitiesFailed)
	fmt.Fprintf(w, "Candidates:   %d\n", s.Candidates)
	fmt.Fprintf(w, "Evaluations:  %d/%d completed, %d failed, %d carried forward, %d below min count\n",
		s.EvaluationsCompleted, s.EvaluationsTotal, s.EvaluationsFailed, s.CarriedForward, s.BelowMinCount)
	fmt.Fprintf(w, "Decisions:    %d accepted, %d rejected, %d pending\n", s.Accepted, s.Rejected, s.Pending)
	if s.Cleanup != nil {
		fmt.Fprintf(w, "Cleanup:      %d candidate records, %d edges removed\n", s.Cleanup.CandidateRecords, s.Cleanup.DataEdges)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", s.Error)
	}
	return nil
}

func writeProcessResult(w io.Writer, format string, r *services.ProcessResult) error {
	if format == "json" {
		return writeJSON(w, r)
	}
	fmt.Fprintf(w, "Searched %d properties, evidence for %d relations\n", r.PropertiesSearched, len(r.RelationIDs))
	for _, id := range r.RelationIDs {
		fmt.Fprintf(w, "  %s\n", id)
	}
	return nil
}

type candidateRow struct {
	*models.RelationCandidate
	Status models.RelationCandidateStatus `json:"status"`
}

func writeCandidates(w io.Writer, format string, th config.OntologyConfig, cs []*models.RelationCandidate) error {
	rows := make([]candidateRow, len(cs))
	for i, c := range cs {
		rows[i] = candidateRow{RelationCandidate: c, Status: c.Status(th.AcceptanceThreshold, th.RejectionThreshold)}
	}
	if format == "json" {
		return writeJSON(w, rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELATION ID\tFROM\tTO\tCOUNT\tNAME\tCONFIDENCE\tSTATUS\tAPPLIED")
	for _, r := range rows {
		name, confidence := "-", "-"
		if r.Evaluation != nil {
			name = r.Evaluation.RelationName
			confidence = fmt.Sprintf("%.2f", r.Evaluation.Confidence())
		}
		if r.EvaluationErrorMessage != "" {
			confidence = "error"
		}
		status := string(r.Status)
		if r.ManuallyIntervened != models.ManualInterventionNone {
			status += " (manual)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%t\n",
			r.RelationID, r.Heuristic.EntityAType, r.Heuristic.EntityBType, r.Heuristic.Count,
			name, confidence, status, r.IsApplied)
	}
	return tw.Flush()
}
