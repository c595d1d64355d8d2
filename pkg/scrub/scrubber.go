package scrub

import (
	"fmt"
	"regexp"
)

// Category identifies the kind of sensitive data a rule redacts
type Category string

const (
	CategoryEmail     Category = "EMAIL"
	CategoryGovID     Category = "GOV_ID"
	CategoryInsurance Category = "INSURANCE"
	CategorySerial    Category = "SERIAL"
	CategoryPhone     Category = "PHONE"
	CategoryAddress   Category = "ADDRESS"
	CategoryName      Category = "NAME"
)

// Token returns the neutral replacement carrying the category
func (c Category) Token() string {
	return fmt.Sprintf("[REDACTED:%s]", c)
}

// Span records one redaction for auditing. Offsets refer to the text as it
// was when the owning rule ran; spans are never persisted with the record.
type Span struct {
	Category Category
	Start    int
	End      int
}

// Rule pairs a category with its detection pattern
type Rule struct {
	Category Category
	Pattern  *regexp.Regexp
}

// DefaultRules returns the ordered rule set. Order matters: identifier
// patterns run before the phone patterns so an SSN is never half-eaten as a
// phone number, and every replacement token is constructed so that no later
// rule can match inside it, which is what makes scrubbing idempotent.
func DefaultRules() []Rule {
	return []Rule{
		{CategoryEmail, regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)},

		// US social security numbers and label-prefixed national IDs.
		{CategoryGovID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{CategoryGovID, regexp.MustCompile(`(?:\b(?i:national id|tax id|steuer-?id|my number)|マイナンバー|身份证号?)\s*[:：#]?\s*[A-Z0-9][A-Z0-9-]{5,}`)},

		// Insurance and policy identifiers: German health-insurance format
		// (letter + nine digits) and label-prefixed policy numbers.
		{CategoryInsurance, regexp.MustCompile(`\b[A-Z]\d{9}\b`)},
		{CategoryInsurance, regexp.MustCompile(`(?:\b(?i:versichertennummer|insurance (?:no|number|id)|policy (?:no|number))|保险号|保険番号)\.?\s*[:：#]?\s*[A-Z0-9][A-Z0-9-]{5,}`)},

		// Device serials behind their known label prefixes.
		{CategorySerial, regexp.MustCompile(`(?:\b(?i:s/n|serial (?:no|number)?|seriennummer|numéro de série)|序列号|シリアル番号)\.?\s*[:：#]?\s*[A-Z0-9][A-Z0-9-]{4,}`)},

		// Phones: labeled, international, or NANP-formatted. Extensions ride
		// along with the base number.
		{CategoryPhone, regexp.MustCompile(`(?:\b(?i:tel|tél|telefon|phone|fax|mobile|handy)|电话|電話)\.?\s*[.:：]?\s*\+?[\d(][\d ()/.-]{5,}\d(?:\s*(?:(?i:ext|x))\.?\s*\d{1,5})?`)},
		{CategoryPhone, regexp.MustCompile(`\+\d{1,3}[\d ()/.-]{6,}\d(?:\s*(?:(?i:ext|x))\.?\s*\d{1,5})?`)},
		{CategoryPhone, regexp.MustCompile(`\(\d{3}\)\s*\d{3}[ -]\d{4}(?:\s*(?:(?i:ext|x))\.?\s*\d{1,5})?`)},
		{CategoryPhone, regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b(?:\s*(?:(?i:ext|x))\.?\s*\d{1,5})?`)},

		// Postal addresses: house-number-first (English) and street-first
		// (German) conventions.
		{CategoryAddress, regexp.MustCompile(`\b\d{1,4}\s+\p{Lu}\p{L}+\s+(?:(?i:street|st\.|avenue|ave\.?|road|rd\.?|lane|ln\.?|drive|dr\.?|boulevard|blvd\.?))`)},
		{CategoryAddress, regexp.MustCompile(`\b\p{Lu}[\p{L}-]*(?:straße|strasse|weg|gasse|platz|allee)\s+\d{1,4}[a-z]?\b`)},

		// Person names behind contact labels, including CJK forms, and
		// title-prefixed western names.
		{CategoryName, regexp.MustCompile(`(?:\b(?i:patient|kontakt|ansprechpartner|contact(?: person)?|technician|techniker|reported by|gemeldet von)|担当者|联系人)\s*[:：]\s*(?:\p{Lu}[\p{L}'.-]*(?:\s+\p{Lu}[\p{L}'.-]*)+|[\p{Han}\p{Hiragana}\p{Katakana}]{2,6})`)},
		{CategoryName, regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof|Herr|Frau|Mme)\.?\s+\p{Lu}[\p{L}'-]+(?:\s+\p{Lu}[\p{L}'-]+)*`)},
	}
}

// Scrubber redacts sensitive patterns from free text before it leaves the
// process. Scrubbing is deterministic and idempotent.
type Scrubber struct {
	rules []Rule
}

// New creates a scrubber with the default rule set
func New() *Scrubber {
	return &Scrubber{rules: DefaultRules()}
}

// NewWithRules creates a scrubber with a custom ordered rule set
func NewWithRules(rules []Rule) *Scrubber {
	return &Scrubber{rules: rules}
}

// Scrub replaces every match with its category token and returns the
// redacted text plus the audit spans
func (s *Scrubber) Scrub(text string) (string, []Span) {
	var spans []Span
	out := text
	for _, rule := range s.rules {
		locs := rule.Pattern.FindAllStringIndex(out, -1)
		if locs == nil {
			continue
		}
		for _, loc := range locs {
			spans = append(spans, Span{Category: rule.Category, Start: loc[0], End: loc[1]})
		}
		out = rule.Pattern.ReplaceAllString(out, rule.Category.Token())
	}
	return out, spans
}
