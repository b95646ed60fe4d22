package model

import "time"

// ArtifactKind names one piece of per-case pipeline output.
type ArtifactKind string

const (
	ArtifactNote          ArtifactKind = "note"
	ArtifactCleanedText   ArtifactKind = "cleaned_text"
	ArtifactRawTerms      ArtifactKind = "raw_terms"
	ArtifactFilteredTerms ArtifactKind = "filtered_terms"
	ArtifactGeneScores    ArtifactKind = "gene_scores"
)

// Seq is the two-digit ordinal used in artifact file names.
func (k ArtifactKind) Seq() int {
	switch k {
	case ArtifactNote:
		return 0
	case ArtifactCleanedText:
		return 1
	case ArtifactRawTerms:
		return 2
	case ArtifactFilteredTerms:
		return 3
	case ArtifactGeneScores:
		return 4
	default:
		return 99
	}
}

// Ext is the file extension for the artifact kind.
func (k ArtifactKind) Ext() string {
	if k == ArtifactGeneScores {
		return "csv"
	}
	return "txt"
}

// StageInput returns the artifact a stage consumes.
func StageInput(s Stage) (ArtifactKind, bool) {
	switch s {
	case StageCleaning:
		return ArtifactNote, true
	case StageExtracting:
		return ArtifactCleanedText, true
	case StageFiltering:
		return ArtifactRawTerms, true
	case StageScoring:
		return ArtifactFilteredTerms, true
	case StageRanked:
		return ArtifactGeneScores, true
	default:
		return "", false
	}
}

// StageOutput returns the artifact a stage produces. Ranked writes to the
// variant store, not to an artifact.
func StageOutput(s Stage) (ArtifactKind, bool) {
	switch s {
	case StageCleaning:
		return ArtifactCleanedText, true
	case StageExtracting:
		return ArtifactRawTerms, true
	case StageFiltering:
		return ArtifactFilteredTerms, true
	case StageScoring:
		return ArtifactGeneScores, true
	default:
		return "", false
	}
}

// Artifact is an immutable, versioned stage output scoped to one case.
type Artifact struct {
	CaseID    string       `json:"case_id"`
	Kind      ArtifactKind `json:"kind"`
	Version   int          `json:"version"`
	Path      string       `json:"path"`
	Content   []byte       `json:"-"`
	Checksum  string       `json:"checksum"`
	CreatedAt time.Time    `json:"created_at"`
}
