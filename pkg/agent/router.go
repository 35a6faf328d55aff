package agent

import "strings"

// Route picks the skill whose keywords best match the intent. Each keyword
// found in the intent contributes its word count to the skill's score, so
// multi-word keywords outweigh generic single words. Returns nil when no
// keyword matches or when the top score is tied between skills: an
// ambiguous intent is the caller's problem, not a coin flip.
func (r *SkillRegistry) Route(intent string) *Skill {
	lowered := strings.ToLower(intent)

	var (
		best      *Skill
		bestScore int
		tied      bool
	)
	for _, skill := range r.All() {
		score := 0
		for _, keyword := range skill.Keywords {
			if keyword == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(keyword)) {
				score += len(strings.Fields(keyword))
			}
		}
		switch {
		case score > bestScore:
			best, bestScore, tied = skill, score, false
		case score == bestScore && score > 0:
			tied = true
		}
	}

	if bestScore == 0 || tied {
		return nil
	}
	return best
}
