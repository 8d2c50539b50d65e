package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"securequery/internal/domain"
)

// NoEvidenceAnswer is returned, without a model call, when retrieval produced
// no candidates.
const NoEvidenceAnswer = "No relevant log entries were found for this question. Ingest logs into the collection or rephrase the question."

// Synthesizer builds a grounded prompt from retrieved records, invokes the
// language model, and maps citation markers in the answer back to record IDs.
type Synthesizer struct {
	model domain.LanguageModel
}

func New(model domain.LanguageModel) *Synthesizer {
	return &Synthesizer{model: model}
}

var markerRe = regexp.MustCompile(`\[L(\d+)\]`)

// Synthesize answers the question from the given candidates. Every ID in the
// result's Citations corresponds to one of the supplied candidates; markers
// the model invents are dropped.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, candidates []domain.RetrievedCandidate) (*domain.QueryResult, error) {
	if len(candidates) == 0 {
		return &domain.QueryResult{
			AnswerText:           NoEvidenceAnswer,
			Citations:            []string{},
			CandidatesConsidered: 0,
		}, nil
	}
	answer, err := s.model.Complete(ctx, buildPrompt(question, candidates))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSynthesisUnavailable, err)
	}
	return &domain.QueryResult{
		AnswerText:           answer,
		Citations:            extractCitations(answer, candidates),
		CandidatesConsidered: len(candidates),
	}, nil
}

func buildPrompt(question string, candidates []domain.RetrievedCandidate) string {
	var b strings.Builder
	b.WriteString("You are a security analyst assistant. Answer the question using only the log entries below.\n\nLog entries:\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "[L%d] %s\n", i+1, c.Record.SearchText())
		if len(c.Record.Fields) > 0 {
			fmt.Fprintf(&b, "     Raw: %s\n", c.Record.RawText)
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nAnswer strictly from the entries above and mark every entry you rely on with its reference, for example [L2]. If the entries do not contain enough information to answer, say so.")
	return b.String()
}

// extractCitations parses [Ln] markers from the answer in first-mention order
// and resolves them to record IDs. Out-of-range and repeated markers are
// dropped.
func extractCitations(answer string, candidates []domain.RetrievedCandidate) []string {
	citations := []string{}
	seen := make(map[int]struct{})
	for _, match := range markerRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(candidates) {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		citations = append(citations, candidates[n-1].Record.ID)
	}
	return citations
}
