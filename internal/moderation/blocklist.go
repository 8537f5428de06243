package moderation

// BlockedTerm is one static blocklist entry: a term to match as a whole
// word (case-insensitive) and the category reported on a hit.
type BlockedTerm struct {
	Term     string
	Category string
}

// DynamicTermCategory is the category reported for administrator-supplied
// extra terms, which carry no category of their own.
const DynamicTermCategory = "blocked_term"

// defaultBlocklist is the static multilingual blocklist. It is loaded once
// at filter construction and never mutated; per-call extra terms are
// combined with it fresh on every check. The list deliberately includes
// native-language slurs and transliterations that a translator would
// paraphrase away, which is why the lexical check runs both before and
// after normalization.
var defaultBlocklist = []BlockedTerm{
	// English profanity.
	{"fuck", "profanity"},
	{"fucking", "profanity"},
	{"shit", "profanity"},
	{"bitch", "profanity"},
	{"asshole", "profanity"},
	{"bastard", "profanity"},
	{"cunt", "profanity"},
	{"dickhead", "profanity"},
	{"motherfucker", "profanity"},

	// Threats and violence.
	{"kill you", "threat"},
	{"kill yourself", "threat"},
	{"i will kill", "threat"},
	{"beat you up", "threat"},
	{"go die", "threat"},
	{"shoot you", "threat"},

	// Sexual content.
	{"porn", "sexual"},
	{"nudes", "sexual"},
	{"send nudes", "sexual"},

	// Spanish.
	{"puta", "profanity"},
	{"puto", "profanity"},
	{"mierda", "profanity"},
	{"pendejo", "profanity"},
	{"cabron", "profanity"},
	{"te voy a matar", "threat"},

	// French.
	{"putain", "profanity"},
	{"merde", "profanity"},
	{"salope", "profanity"},
	{"connard", "profanity"},

	// German.
	{"scheisse", "profanity"},
	{"arschloch", "profanity"},
	{"hurensohn", "profanity"},

	// Portuguese.
	{"caralho", "profanity"},
	{"filho da puta", "profanity"},

	// Italian.
	{"stronzo", "profanity"},
	{"vaffanculo", "profanity"},

	// Hindi/Urdu transliterations.
	{"madarchod", "profanity"},
	{"bhenchod", "profanity"},
	{"chutiya", "profanity"},
	{"harami", "profanity"},

	// Russian transliterations.
	{"suka", "profanity"},
	{"blyat", "profanity"},
	{"pizdec", "profanity"},
}
