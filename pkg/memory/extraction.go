package memory

import (
	"regexp"
	"strings"
)

var (
	prefRegex                         = regexp.MustCompile(`(?i)\b(i (?:really )?(?:like|love|prefer|hate|dislike)\b[^.!?\n]*)`)
	identityRegex                     = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z0-9 _\-]{2,50})`)
	timezoneRegex                     = regexp.MustCompile(`(?i)\b(?:my timezone is|timezone is|time zone is)\s+([A-Za-z0-9_\-/:+ ]{2,80})`)
	relationRegex                     = regexp.MustCompile(`(?i)\bmy (wife|husband|partner|friend|boss|colleague|brother|sister|mother|father|mom|dad|son|daughter|dog|cat|goldfish|pet)(?:'s name)? (?:is named|is called|is) ([A-Z][A-Za-z\-]{1,40})`)
	extractionLikelyQuestionLeadRegex = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|can|could|would|do|does|did|is|are|am|if|whether)\b`)
	extractionPersistenceCueRegex     = regexp.MustCompile(`(?i)\b(?:remember|note|save|store|track|my name is|my timezone is|call me)\b`)

	firstPersonVerbFactRegex = regexp.MustCompile(`(?i)\b(i (?:am|have|had|use|used|work on|work with|build|built|maintain|live in|lived in|need|want|prefer|like|love|hate|dislike|own|run|study|studied)\b[^.!?\n]{4,180})`)
	sentenceSplitRegex       = regexp.MustCompile(`[.!?\n;]+`)
	firstPersonLeadRegex     = regexp.MustCompile(`(?i)^(?:i|i'm|i am|my)\b`)
	hedgedLeadRegex          = regexp.MustCompile(`(?i)^i (?:think|guess|wonder|hope|suppose|feel)\b`)
)

// ExtractedMemory is a durable statement found in a user turn.
type ExtractedMemory struct {
	Type       MemoryType
	Content    string
	Confidence float64
	Metadata   map[string]any
}

// ExtractMemories finds facts and relationships the user states about
// themselves. Questions are skipped unless they carry an explicit cue such
// as "remember".
func ExtractMemories(content string) []ExtractedMemory {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if isLikelyQuestionForMemory(content) && !extractionPersistenceCueRegex.MatchString(content) {
		return nil
	}

	out := []ExtractedMemory{}
	seen := map[string]struct{}{}
	add := func(m ExtractedMemory) {
		key := string(m.Type) + "|" + strings.ToLower(m.Content)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}

	for _, m := range relationRegex.FindAllStringSubmatch(content, -1) {
		relation := strings.ToLower(m[1])
		name := normalizeEntityPhrase(m[2])
		if name == "" {
			continue
		}
		add(ExtractedMemory{
			Type:       MemoryRelationship,
			Content:    "User's " + relation + " is " + name,
			Confidence: 0.8,
			Metadata:   map[string]any{MetaRelation: relation, MetaSubject: name, "extractor": "relationship"},
		})
	}
	for _, m := range identityRegex.FindAllStringSubmatch(content, -1) {
		identity := normalizeEntityPhrase(m[1])
		if len(identity) < 2 {
			continue
		}
		add(ExtractedMemory{
			Type:       MemoryFact,
			Content:    "User's name is " + identity,
			Confidence: 0.75,
			Metadata:   map[string]any{MetaSubject: "identity", "identity_label": identity, "extractor": "identity"},
		})
	}
	for _, m := range timezoneRegex.FindAllStringSubmatch(content, -1) {
		tz := normalizeEntityPhrase(m[1])
		if tz == "" {
			continue
		}
		add(ExtractedMemory{
			Type:       MemoryFact,
			Content:    "User timezone/location: " + tz,
			Confidence: 0.7,
			Metadata:   map[string]any{MetaSubject: "timezone", "extractor": "timezone"},
		})
	}
	for _, phrase := range ExtractFactSignals(content) {
		confidence := 0.72
		topic := "profile"
		if isPreferencePhrase(phrase) {
			confidence = 0.76
			topic = "preference"
		}
		add(ExtractedMemory{
			Type:       MemoryFact,
			Content:    phrase,
			Confidence: confidence,
			Metadata:   map[string]any{MetaTopic: topic, "extractor": "first_person_fact"},
		})
	}
	return out
}

// ExtractFactSignals emits normalized first-person factual statements from user text.
func ExtractFactSignals(content string) []string {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	seen := map[string]struct{}{}
	out := []string{}
	add := func(value string) {
		value = normalizeEntityPhrase(value)
		if value == "" {
			return
		}
		key := strings.ToLower(value)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, value)
	}

	for _, m := range prefRegex.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, m := range firstPersonVerbFactRegex.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, clause := range extractFirstPersonClauses(content) {
		add(clause)
	}
	if len(out) > 16 {
		out = out[:16]
	}
	return out
}

func extractFirstPersonClauses(content string) []string {
	parts := sentenceSplitRegex.Split(content, -1)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = normalizeEntityPhrase(part)
		lower := strings.ToLower(part)
		if len(lower) < 8 || !firstPersonLeadRegex.MatchString(lower) || hedgedLeadRegex.MatchString(lower) {
			continue
		}
		out = append(out, part)
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func isPreferencePhrase(phrase string) bool {
	lower := " " + strings.ToLower(phrase) + " "
	for _, verb := range []string{" like ", " love ", " prefer ", " dislike ", " hate "} {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

func normalizeEntityPhrase(in string) string {
	in = strings.Trim(strings.TrimSpace(in), " .,!?:;\"'")
	if len(in) < 2 {
		return ""
	}
	if len(in) > 180 {
		in = strings.TrimSpace(in[:180])
	}
	return in
}

func isLikelyQuestionForMemory(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	if strings.Contains(content, "?") {
		return true
	}
	return extractionLikelyQuestionLeadRegex.MatchString(content)
}
